package realtime

import "fmt"

type Style string

const (
	StyleDefault Style = "default"
	StyleTeacher Style = "teacher"
	StyleCoach   Style = "coach"
)

var Styles = []Style{StyleDefault, StyleTeacher, StyleCoach}

type Length string

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

var Lengths = []Length{LengthShort, LengthMedium, LengthLong}

const (
	deliveryDirective = "Speak in a calm, clear voice at a slightly slower than normal pace, but do not keep repeating instructions."
	clarityDirective  = "Prioritize clarity over speed."
)

func ParseStyle(s string) (Style, error) {
	for _, v := range Styles {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown style %q (want default, teacher or coach)", s)
}

func ParseLength(s string) (Length, error) {
	for _, v := range Lengths {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown length %q (want short, medium or long)", s)
}

// Next returns the style after s, wrapping around.
func (s Style) Next() Style { return cycle(Styles, s) }

// Next returns the length after l, wrapping around.
func (l Length) Next() Length { return cycle(Lengths, l) }

func cycle[T comparable](all []T, cur T) T {
	for i, v := range all {
		if v == cur {
			return all[(i+1)%len(all)]
		}
	}
	return all[0]
}

func (s Style) persona() string {
	switch s {
	case StyleTeacher:
		return "You are a patient teacher who explains concepts step by step."
	case StyleCoach:
		return "You are an encouraging motivational coach who is positive and supportive."
	default:
		return "You are a friendly, helpful assistant having a natural conversation with the user."
	}
}

func (l Length) hint() string {
	switch l {
	case LengthMedium:
		return "Give medium length answers with a bit more detail."
	case LengthLong:
		return "Give detailed answers and include explanations."
	default:
		return "Give short answers."
	}
}

// Settings are the user-adjustable inputs to the session instructions.
type Settings struct {
	Style  Style
	Length Length
}

// BaseInstructions combines persona, length hint and delivery directive.
func BaseInstructions(s Settings) string {
	return s.Style.persona() + " " + s.Length.hint() + " " + deliveryDirective
}

func ResponseInstructions(s Settings) string {
	return BaseInstructions(s) + " " + clarityDirective
}

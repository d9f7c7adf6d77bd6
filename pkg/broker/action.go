package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionKind identifies a script step.
type ActionKind int

// Action kinds. Adding one requires a case in every dispatcher.
const (
	ClickSelector ActionKind = iota + 1
	ClickText
	SelectOption
	ScrollUntilText
	WaitFor
	Sleep
)

// DefaultMaxScrolls bounds ScrollUntilText when the script does not.
const DefaultMaxScrolls = 20

func (k ActionKind) String() string {
	switch k {
	case ClickSelector:
		return "click"
	case ClickText:
		return "click_text"
	case SelectOption:
		return "select"
	case ScrollUntilText:
		return "scroll_until_text"
	case WaitFor:
		return "wait_for"
	case Sleep:
		return "sleep"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one step of a broker's script. Which fields are meaningful depends on Kind:
//
//	ClickSelector   Selector, WaitFor
//	ClickText       Text, Scope, WaitFor
//	SelectOption    Selector, Value or OptionText, WaitFor
//	ScrollUntilText Text, MaxScrolls
//	WaitFor         Selector
//	Sleep           Duration
type Action struct {
	Kind       ActionKind
	Selector   string
	Text       string
	Scope      string
	Value      string
	OptionText string
	WaitFor    string
	MaxScrolls int
	Duration   time.Duration
}

type rawSelect struct {
	Selector string `json:"selector"`
	Value    string `json:"value,omitempty"`
	Text     string `json:"text,omitempty"`
}

// rawAction mirrors the persisted JSON shapes of a script step.
type rawAction struct {
	Click           *string    `json:"click,omitempty"`
	ClickText       *string    `json:"clickText,omitempty"`
	Within          string     `json:"within,omitempty"`
	Select          *rawSelect `json:"select,omitempty"`
	ScrollUntilText *string    `json:"scrollUntilText,omitempty"`
	MaxScrolls      int        `json:"maxScrolls,omitempty"`
	WaitFor         string     `json:"waitFor,omitempty"`
	Type            string     `json:"type,omitempty"`
	MS              *int64     `json:"ms,omitempty"`
}

// UnmarshalJSON decodes one of the persisted step shapes into its variant.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}

	switch {
	case raw.Click != nil:
		*a = Action{Kind: ClickSelector, Selector: *raw.Click, WaitFor: raw.WaitFor}
	case raw.ClickText != nil:
		*a = Action{Kind: ClickText, Text: *raw.ClickText, Scope: raw.Within, WaitFor: raw.WaitFor}
	case raw.Select != nil:
		if raw.Select.Selector == "" {
			return errors.New("select: selector is required")
		}
		if raw.Select.Value == "" && raw.Select.Text == "" {
			return errors.New("select: provide value or text")
		}
		*a = Action{
			Kind:       SelectOption,
			Selector:   raw.Select.Selector,
			Value:      raw.Select.Value,
			OptionText: raw.Select.Text,
			WaitFor:    raw.WaitFor,
		}
	case raw.ScrollUntilText != nil:
		max := raw.MaxScrolls
		if max <= 0 {
			max = DefaultMaxScrolls
		}
		*a = Action{Kind: ScrollUntilText, Text: *raw.ScrollUntilText, MaxScrolls: max}
	case raw.Type == "sleep":
		if raw.MS == nil || *raw.MS < 0 {
			return errors.New("sleep: ms must be a non-negative number")
		}
		*a = Action{Kind: Sleep, Duration: time.Duration(*raw.MS) * time.Millisecond}
	case raw.WaitFor != "":
		*a = Action{Kind: WaitFor, Selector: raw.WaitFor}
	default:
		return fmt.Errorf("unrecognised action: %s", string(data))
	}
	return nil
}

// MarshalJSON writes the action back in its persisted shape.
func (a Action) MarshalJSON() ([]byte, error) {
	var raw rawAction
	switch a.Kind {
	case ClickSelector:
		raw = rawAction{Click: &a.Selector, WaitFor: a.WaitFor}
	case ClickText:
		raw = rawAction{ClickText: &a.Text, Within: a.Scope, WaitFor: a.WaitFor}
	case SelectOption:
		raw = rawAction{Select: &rawSelect{Selector: a.Selector, Value: a.Value, Text: a.OptionText}, WaitFor: a.WaitFor}
	case ScrollUntilText:
		raw = rawAction{ScrollUntilText: &a.Text, MaxScrolls: a.MaxScrolls}
	case WaitFor:
		raw = rawAction{WaitFor: a.Selector}
	case Sleep:
		ms := a.Duration.Milliseconds()
		raw = rawAction{Type: "sleep", MS: &ms}
	default:
		return nil, fmt.Errorf("unknown action kind %d", int(a.Kind))
	}
	return json.Marshal(raw)
}

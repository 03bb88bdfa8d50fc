package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InputFormat is the expected answer format of a human-input request.
type InputFormat string

const (
	FormatSingleSelect InputFormat = "single_select"
	FormatMultiSelect  InputFormat = "multi_select"
	FormatFreeText     InputFormat = "free_text"
	FormatYesNo        InputFormat = "yes_no"
)

// RequiresOptions reports whether answers must come from a fixed option set.
func (f InputFormat) RequiresOptions() bool {
	switch f {
	case FormatSingleSelect, FormatMultiSelect, FormatYesNo:
		return true
	}
	return false
}

// InputOption is one selectable answer.
type InputOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// DefaultYesNoOptions is used when a yes_no request carries no options.
func DefaultYesNoOptions() []InputOption {
	return []InputOption{
		{Value: "yes", Label: "Yes"},
		{Value: "no", Label: "No"},
	}
}

// HumanInputPayload asks the reviewer a question instead of a permission.
type HumanInputPayload struct {
	Question    string         `json:"question"`
	Format      InputFormat    `json:"format"`
	Options     []InputOption  `json:"options,omitempty"`
	Context     string         `json:"context,omitempty"`
	Placeholder string         `json:"placeholder,omitempty"`
	Response    *InputResponse `json:"response,omitempty"`
}

// InputResponse is the captured answer.
type InputResponse struct {
	Value       ResponseValue `json:"value"`
	RespondedBy string        `json:"responded_by"`
	RespondedAt time.Time     `json:"responded_at"`
}

func (p *HumanInputPayload) ResourceType() ResourceType {
	return ResourceHumanInputRequest
}

// Normalize fills implied defaults: the yes/no option pair and missing
// option labels.
func (p *HumanInputPayload) Normalize() {
	if p.Format == FormatYesNo && len(p.Options) == 0 {
		p.Options = DefaultYesNoOptions()
	}
	for i := range p.Options {
		if strings.TrimSpace(p.Options[i].Label) == "" {
			p.Options[i].Label = p.Options[i].Value
		}
	}
}

func (p *HumanInputPayload) Validate() error {
	if strings.TrimSpace(p.Question) == "" {
		return errors.New("question is required")
	}
	switch p.Format {
	case FormatSingleSelect, FormatMultiSelect, FormatFreeText, FormatYesNo:
	default:
		return fmt.Errorf("unknown format %q", p.Format)
	}
	if p.Format.RequiresOptions() && len(p.Options) == 0 {
		return fmt.Errorf("format %s requires at least one option", p.Format)
	}
	seen := make(map[string]bool, len(p.Options))
	for _, opt := range p.Options {
		if strings.TrimSpace(opt.Value) == "" {
			return errors.New("option value is required")
		}
		if seen[opt.Value] {
			return fmt.Errorf("duplicate option value %q", opt.Value)
		}
		seen[opt.Value] = true
	}
	return nil
}

// ValidateResponse checks that v is an acceptable answer for the format.
func (p *HumanInputPayload) ValidateResponse(v ResponseValue) error {
	values := v.Values()
	switch p.Format {
	case FormatFreeText:
		if len(values) != 1 || strings.TrimSpace(values[0]) == "" {
			return errors.New("free text response must be a non-empty string")
		}
		return nil
	case FormatSingleSelect, FormatYesNo:
		if len(values) != 1 {
			return fmt.Errorf("%s response must be exactly one value", p.Format)
		}
	case FormatMultiSelect:
		if len(values) == 0 {
			return errors.New("multi_select response requires at least one value")
		}
	}
	for _, value := range values {
		if _, ok := p.option(value); !ok {
			return fmt.Errorf("response value %q is not an option", value)
		}
	}
	return nil
}

// Labels resolves response values to option labels. Values without a
// matching option are returned unchanged.
func (p *HumanInputPayload) Labels(v ResponseValue) []string {
	values := v.Values()
	labels := make([]string, 0, len(values))
	for _, value := range values {
		if opt, ok := p.option(value); ok {
			labels = append(labels, opt.Label)
			continue
		}
		labels = append(labels, value)
	}
	return labels
}

func (p *HumanInputPayload) option(value string) (InputOption, bool) {
	for _, opt := range p.Options {
		if opt.Value == value {
			return opt, true
		}
	}
	return InputOption{}, false
}

// ResponseValue is a response that is either a single string or a list.
type ResponseValue struct {
	values []string
	list   bool
}

// StringResponse builds a single-valued response.
func StringResponse(v string) ResponseValue {
	return ResponseValue{values: []string{v}}
}

// ListResponse builds a multi-valued response.
func ListResponse(v ...string) ResponseValue {
	return ResponseValue{values: append([]string(nil), v...), list: true}
}

// Values returns the response values.
func (r ResponseValue) Values() []string {
	return append([]string(nil), r.values...)
}

// IsList reports whether the response was given as a list.
func (r ResponseValue) IsList() bool {
	return r.list
}

// String joins the values with a comma.
func (r ResponseValue) String() string {
	return strings.Join(r.values, ", ")
}

func (r ResponseValue) MarshalJSON() ([]byte, error) {
	if r.list {
		if r.values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.values)
	}
	if len(r.values) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(r.values[0])
}

func (r *ResponseValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = StringResponse(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("response must be a string or a list of strings")
	}
	*r = ListResponse(list...)
	return nil
}

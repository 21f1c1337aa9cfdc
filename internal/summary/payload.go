package summary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewSectionID marks a client section that does not exist yet.
const NewSectionID int64 = -1

// ErrMalformedPayload indicates that a submitted section list could not be parsed or validated.
var ErrMalformedPayload = errors.New("summary: malformed section payload")

// ClientSection is one entry of an editor submission. Submission order is the new position order.
type ClientSection struct {
	ID      int64
	Name    *string
	Visible bool
	Depth   int
}

type clientSectionPayload struct {
	ID      flexibleInt  `json:"id" validate:"required,min=-1"`
	Name    *string      `json:"name" validate:"omitempty,max=255"`
	Visible flexibleBool `json:"visible"`
	Depth   flexibleInt  `json:"depth" validate:"oneof=0 1"`
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseClientSections decodes the editor's flat section list. Identifiers and depths may be
// JSON numbers or numeric strings; visibility may be 0/1, "0"/"1" or a boolean.
func ParseClientSections(payload []byte) ([]ClientSection, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	var raw []clientSectionPayload
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: section list must be an array", ErrMalformedPayload)
	}

	result := make([]ClientSection, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	for index, entry := range raw {
		if err := payloadValidator.Struct(entry); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedPayload, index, err)
		}
		id := int64(entry.ID)
		if id != NewSectionID {
			if _, duplicate := seen[id]; duplicate {
				return nil, fmt.Errorf("%w: entry %d repeats section %d", ErrMalformedPayload, index, id)
			}
			seen[id] = struct{}{}
		}
		result = append(result, ClientSection{
			ID:      id,
			Name:    entry.Name,
			Visible: bool(entry.Visible),
			Depth:   int(entry.Depth),
		})
	}
	return result, nil
}

type flexibleInt int64

func (v *flexibleInt) UnmarshalJSON(data []byte) error {
	text, err := scalarText(data)
	if err != nil {
		return err
	}
	parsed, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", string(data))
	}
	*v = flexibleInt(parsed)
	return nil
}

type flexibleBool bool

func (v *flexibleBool) UnmarshalJSON(data []byte) error {
	text, err := scalarText(data)
	if err != nil {
		return err
	}
	switch strings.ToLower(text) {
	case "1", "true":
		*v = true
	case "0", "false":
		*v = false
	default:
		return fmt.Errorf("invalid visibility flag %s", string(data))
	}
	return nil
}

func scalarText(data []byte) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return "", errors.New("value must not be null")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err != nil {
			return "", err
		}
		return strings.TrimSpace(text), nil
	}
	return trimmed, nil
}

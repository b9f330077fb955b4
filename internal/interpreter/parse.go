package interpreter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

const outputSchemaURL = "https://wa-commerce.local/schemas/action.schema.json"

// outputSchemaTemplate is filled with the action enum at compile time.
const outputSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["reply", "action"],
  "properties": {
    "reply":  {"type": "string", "minLength": 1},
    "action": {"enum": %s},
    "data": {
      "type": ["object", "null"],
      "properties": {
        "productId":        {"type": ["string", "null"]},
        "productName":      {"type": ["string", "null"]},
        "variantId":        {"type": ["string", "null"]},
        "quantity":         {"type": ["integer", "null"], "minimum": 1},
        "address":          {"type": ["string", "null"]},
        "orderId":          {"type": ["string", "null"]},
        "searchQuery":      {"type": ["string", "null"]},
        "escalationReason": {"type": ["string", "null"]}
      }
    }
  }
}`

// errInvalidOutput tags every parse/validation failure.
var errInvalidOutput = errors.New("invalid interpreter output")

func compileOutputSchema() (*jsonschema.Schema, error) {
	enum, err := json.Marshal(domain.ActionKinds)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(outputSchemaURL, strings.NewReader(fmt.Sprintf(outputSchemaTemplate, enum))); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	schema, err := c.Compile(outputSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

type rawData struct {
	ProductID        *string  `json:"productId"`
	ProductName      *string  `json:"productName"`
	VariantID        *string  `json:"variantId"`
	Quantity         *float64 `json:"quantity"`
	Address          *string  `json:"address"`
	OrderID          *string  `json:"orderId"`
	SearchQuery      *string  `json:"searchQuery"`
	EscalationReason *string  `json:"escalationReason"`
}

type rawOutput struct {
	Reply  string   `json:"reply"`
	Action string   `json:"action"`
	Data   *rawData `json:"data"`
}

// parseAction turns model text into an Action. Only the payload fields that
// belong to the action kind survive.
func parseAction(schema *jsonschema.Schema, content string) (domain.Action, error) {
	body := extractJSON(content)
	if body == "" {
		return domain.Action{}, fmt.Errorf("%w: no JSON object found", errInvalidOutput)
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return domain.Action{}, fmt.Errorf("%w: %v", errInvalidOutput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return domain.Action{}, fmt.Errorf("%w: %v", errInvalidOutput, err)
	}

	var raw rawOutput
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return domain.Action{}, fmt.Errorf("%w: %v", errInvalidOutput, err)
	}
	d := raw.Data
	if d == nil {
		d = &rawData{}
	}

	act := domain.Action{
		Kind:  domain.ActionKind(raw.Action),
		Reply: strings.TrimSpace(raw.Reply),
	}
	switch act.Kind {
	case domain.ActionSearchProducts:
		act.SearchQuery = str(d.SearchQuery)
		if act.SearchQuery == "" {
			return domain.Action{}, fmt.Errorf("%w: search_products without searchQuery", errInvalidOutput)
		}
	case domain.ActionInitiateOrder:
		act.ProductID = str(d.ProductID)
		act.ProductName = str(d.ProductName)
		act.VariantID = str(d.VariantID)
		if d.Quantity != nil {
			q := *d.Quantity
			if q != math.Trunc(q) || q < 1 || q > math.MaxInt32 {
				return domain.Action{}, fmt.Errorf("%w: quantity %v", errInvalidOutput, q)
			}
			act.Quantity = int(q)
		}
	case domain.ActionCollectAddress:
		act.Address = str(d.Address)
		if act.Address == "" {
			return domain.Action{}, fmt.Errorf("%w: collect_address without address", errInvalidOutput)
		}
	case domain.ActionTrackOrder:
		act.OrderID = str(d.OrderID)
	case domain.ActionEscalateToOwner:
		act.EscalationReason = str(d.EscalationReason)
	}
	return act, nil
}

// extractJSON strips code fences and surrounding prose, returning the
// outermost {...} span.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

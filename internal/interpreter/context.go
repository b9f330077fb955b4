package interpreter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// buildMessages lays out the model input: system prompt, catalog and state
// as a second system message, the history, then the current message.
func buildMessages(p *Prompt, in *domain.InterpretInput) []*schema.Message {
	shop := ""
	if in.Tenant != nil {
		shop = in.Tenant.Name
	}
	msgs := []*schema.Message{
		schema.SystemMessage(p.System(shop)),
		schema.SystemMessage(renderCatalog(in.Catalog) + "\n\n" + renderState(in.State, in.Catalog)),
	}
	for _, h := range in.History {
		// owner alerts were never said to the customer
		if strings.TrimSpace(h.Body) == "" || h.MessageType == domain.MessageEscalation {
			continue
		}
		switch h.Sender {
		case domain.SenderCustomer:
			msgs = append(msgs, schema.UserMessage(h.Body))
		default:
			msgs = append(msgs, schema.AssistantMessage(h.Body, nil))
		}
	}
	msgs = append(msgs, schema.UserMessage(in.Message))
	return msgs
}

func renderCatalog(c *domain.CatalogSnapshot) string {
	if c == nil || len(c.Products) == 0 {
		return "Catalog: (empty)"
	}
	var b strings.Builder
	b.WriteString("Catalog:\n")
	for _, p := range c.Products {
		if !p.Active {
			continue
		}
		fmt.Fprintf(&b, "- id=%s | %s", p.ID, p.Name)
		if p.Brand != "" {
			fmt.Fprintf(&b, " | brand: %s", p.Brand)
		}
		if p.Category != "" {
			fmt.Fprintf(&b, " | category: %s", p.Category)
		}
		fmt.Fprintf(&b, " | %s | stock %d\n", domain.FormatMoney(p.Price), p.Stock)
		for _, v := range p.Variants {
			if !v.Active {
				continue
			}
			fmt.Fprintf(&b, "    variant id=%s | %s | %s | stock %d%s\n",
				v.ID, v.Name, domain.FormatMoney(p.UnitPrice(&v)), v.Stock, renderAttrs(v.Attributes))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + attrs[k]
	}
	return " | " + strings.Join(parts, ", ")
}

func renderState(s domain.ConversationState, c *domain.CatalogSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation step: %s", stepOf(s))
	productID, variantID, ok := domain.ChosenProduct(s)
	if ok {
		name := productID
		if p, found := c.Find(productID); found {
			name = fmt.Sprintf("%s (id=%s)", p.Name, p.ID)
		}
		fmt.Fprintf(&b, "\nChosen product: %s", name)
		if variantID != "" {
			fmt.Fprintf(&b, ", variant id=%s", variantID)
		}
	}
	switch st := s.(type) {
	case domain.AwaitingAddress:
		fmt.Fprintf(&b, "\nQuantity: %d\nWaiting for the delivery address.", st.Quantity)
	case domain.AwaitingPayment:
		fmt.Fprintf(&b, "\nQuantity: %d\nAddress: %s\nOrder created, waiting for payment.", st.Quantity, st.Address)
	case domain.AwaitingQuantity:
		b.WriteString("\nWaiting for the quantity.")
	}
	return b.String()
}

// Package domain defines the commerce entities shared by the conversation
// controller, the order materializer and the stores. These types are
// independent of the transport and the database.
package domain

import (
	"fmt"
	"strings"
)

// ============================================================
// Catalog: products and variants owned by a tenant
// ============================================================

// Product is a catalog entry. Prices are in the smallest currency unit (paise).
type Product struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Brand       string    `json:"brand,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Stock       int       `json:"stock"`
	ImageURL    string    `json:"image_url,omitempty"`
	Active      bool      `json:"active"`
	Variants    []Variant `json:"variants,omitempty"`
}

// Variant is a sellable option of a product (size, colour...).
// A zero Price means the variant inherits the product price.
type Variant struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"product_id"`
	Name       string            `json:"name"`
	Price      int64             `json:"price,omitempty"`
	Stock      int               `json:"stock"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Active     bool              `json:"active"`
}

// ActiveVariant returns the product's active variant with the given id.
// Variants of other products are never matched.
func (p *Product) ActiveVariant(variantID string) (*Variant, bool) {
	for i := range p.Variants {
		v := &p.Variants[i]
		if v.ID == variantID && v.Active && (v.ProductID == "" || v.ProductID == p.ID) {
			return v, true
		}
	}
	return nil, false
}

// UnitPrice resolves the price charged for the product or one of its variants.
func (p *Product) UnitPrice(v *Variant) int64 {
	if v != nil && v.Price > 0 {
		return v.Price
	}
	return p.Price
}

// DisplayName is the name snapshot copied into order lines.
func (p *Product) DisplayName(v *Variant) string {
	if v == nil || v.Name == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (%s)", p.Name, v.Name)
}

// Caption renders the text shown with a product image on WhatsApp.
func (p *Product) Caption() string {
	var b strings.Builder
	b.WriteString("*" + p.Name + "*")
	if p.Brand != "" {
		b.WriteString(" by " + p.Brand)
	}
	b.WriteString("\n" + FormatMoney(p.Price))
	if p.Stock <= 0 {
		b.WriteString(" (currently out of stock)")
	}
	var names []string
	for _, v := range p.Variants {
		if v.Active {
			names = append(names, v.Name)
		}
	}
	if len(names) > 0 {
		b.WriteString("\nOptions: " + strings.Join(names, ", "))
	}
	if p.Description != "" {
		b.WriteString("\n" + p.Description)
	}
	return b.String()
}

// CatalogSnapshot is the read-only view of active products handed to the interpreter.
type CatalogSnapshot struct {
	TenantID string    `json:"tenant_id"`
	Products []Product `json:"products"`
}

// Find returns the active product with the given id.
func (c *CatalogSnapshot) Find(productID string) (*Product, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Products {
		if c.Products[i].ID == productID && c.Products[i].Active {
			return &c.Products[i], true
		}
	}
	return nil, false
}

// FormatMoney renders paise as rupees, e.g. 129900 → "₹1299.00".
func FormatMoney(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return fmt.Sprintf("%s₹%d.%02d", sign, paise/100, paise%100)
}

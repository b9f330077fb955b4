package service

import (
	"sort"
	"strings"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// maxSearchResults caps the products shown for one search.
const maxSearchResults = 5

// field weights for relevance scoring
const (
	weightName        = 3
	weightBrand       = 2
	weightCategory    = 2
	weightDescription = 1
)

type scoredProduct struct {
	product domain.Product
	score   int
}

// SearchProducts runs a case-insensitive substring search over the active
// products of a snapshot and returns at most limit results, best first.
// The full query and each of its words are matched against name, brand,
// category and description.
func SearchProducts(catalog *domain.CatalogSnapshot, query string, limit int) []domain.Product {
	q := strings.ToLower(strings.TrimSpace(query))
	if catalog == nil || q == "" || limit <= 0 {
		return nil
	}

	var terms []string
	for _, w := range strings.Fields(q) {
		if len([]rune(w)) >= 2 {
			terms = append(terms, w)
		}
	}

	var hits []scoredProduct
	for _, p := range catalog.Products {
		if !p.Active {
			continue
		}
		if s := relevance(&p, q, terms); s > 0 {
			hits = append(hits, scoredProduct{product: p, score: s})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return strings.ToLower(hits[i].product.Name) < strings.ToLower(hits[j].product.Name)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Product, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.product)
	}
	return out
}

func relevance(p *domain.Product, query string, terms []string) int {
	fields := []struct {
		text   string
		weight int
	}{
		{strings.ToLower(p.Name), weightName},
		{strings.ToLower(p.Brand), weightBrand},
		{strings.ToLower(p.Category), weightCategory},
		{strings.ToLower(p.Description), weightDescription},
	}

	score := 0
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		if f.text == query {
			score += 4 * f.weight
		} else if strings.Contains(f.text, query) {
			score += 2 * f.weight
		}
		for _, t := range terms {
			if strings.Contains(f.text, t) {
				score += f.weight
			}
		}
	}
	return score
}

// resolveProduct picks the product an initiate_order refers to: the payload
// id, then the payload name, then the product already chosen in state. An
// id or name that does not resolve is not replaced by the stashed product.
func resolveProduct(catalog *domain.CatalogSnapshot, act domain.Action, state domain.ConversationState) (*domain.Product, bool) {
	switch {
	case act.ProductID != "":
		return catalog.Find(act.ProductID)
	case act.ProductName != "":
		return findByName(catalog, act.ProductName)
	}
	if id, _, ok := domain.ChosenProduct(state); ok {
		return catalog.Find(id)
	}
	return nil, false
}

// findByName matches a product name exactly (ignoring case) or, failing
// that, by a substring that identifies a single product.
func findByName(catalog *domain.CatalogSnapshot, name string) (*domain.Product, bool) {
	if catalog == nil {
		return nil, false
	}
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return nil, false
	}

	var partial []*domain.Product
	for i := range catalog.Products {
		p := &catalog.Products[i]
		if !p.Active {
			continue
		}
		pn := strings.ToLower(p.Name)
		if pn == n {
			return p, true
		}
		if strings.Contains(pn, n) {
			partial = append(partial, p)
		}
	}
	if len(partial) == 1 {
		return partial[0], true
	}
	return nil, false
}

// resolveVariant checks a variant id against the product's own active
// variants. An empty id resolves to no variant.
func resolveVariant(p *domain.Product, variantID string) (*domain.Variant, bool) {
	if variantID == "" {
		return nil, true
	}
	return p.ActiveVariant(variantID)
}

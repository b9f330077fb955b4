package domain

// ActionKind is the closed vocabulary the interpreter may emit.
type ActionKind string

const (
	ActionNone            ActionKind = "none"
	ActionSearchProducts  ActionKind = "search_products"
	ActionInitiateOrder   ActionKind = "initiate_order"
	ActionCollectAddress  ActionKind = "collect_address"
	ActionConfirmOrder    ActionKind = "confirm_order"
	ActionTrackOrder      ActionKind = "track_order"
	ActionEscalateToOwner ActionKind = "escalate_to_owner"
	ActionCancelOrder     ActionKind = "cancel_order"
)

// ActionKinds lists every valid kind, in prompt order.
var ActionKinds = []ActionKind{
	ActionNone,
	ActionSearchProducts,
	ActionInitiateOrder,
	ActionCollectAddress,
	ActionConfirmOrder,
	ActionTrackOrder,
	ActionEscalateToOwner,
	ActionCancelOrder,
}

// Valid reports whether k belongs to the vocabulary.
func (k ActionKind) Valid() bool {
	for _, v := range ActionKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Action is the structured decision for one customer turn. Only the payload
// fields relevant to Kind are populated; the interpreter zeroes the rest.
type Action struct {
	Kind  ActionKind `json:"action"`
	Reply string     `json:"reply"`

	ProductID        string `json:"productId,omitempty"`
	ProductName      string `json:"productName,omitempty"`
	VariantID        string `json:"variantId,omitempty"`
	Quantity         int    `json:"quantity,omitempty"`
	Address          string `json:"address,omitempty"`
	OrderID          string `json:"orderId,omitempty"`
	SearchQuery      string `json:"searchQuery,omitempty"`
	EscalationReason string `json:"escalationReason,omitempty"`
}

// NoneAction is the safe default used whenever interpretation fails.
func NoneAction(reply string) Action {
	return Action{Kind: ActionNone, Reply: reply}
}

// InterpretInput is everything the interpreter sees for one turn.
type InterpretInput struct {
	Tenant  *Tenant
	Catalog *CatalogSnapshot
	History []ChatMessage // oldest first
	Message string
	State   ConversationState
}

package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of a dependency.
type ServiceHealth struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// CommerceMetrics is returned by GET /v1/metrics/commerce.
type CommerceMetrics struct {
	Turns               int64   `json:"turns"`
	OrdersCreated       int64   `json:"ordersCreated"`
	OrdersFailed        int64   `json:"ordersFailed"`
	InterpreterFallback int64   `json:"interpreterFallbacks"`
	FallbackRate        float64 `json:"fallbackRate"`
	Escalations         int64   `json:"escalations"`
	DuplicateDeliveries int64   `json:"duplicateDeliveries"`
	CacheHitRate        float64 `json:"cacheHitRate"`
	AvgTokensPerTurn    float64 `json:"avgTokensPerTurn"`
}

// ConversationView is returned by the conversation inspection endpoint.
type ConversationView struct {
	TenantID       string `json:"tenantId"`
	ChatID         string `json:"chatId"`
	Step           Step   `json:"step"`
	Stale          bool   `json:"stale"`
	ProductID      string `json:"productId,omitempty"`
	VariantID      string `json:"variantId,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	Address        string `json:"deliveryAddress,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
	PaymentLinkURL string `json:"paymentLinkUrl,omitempty"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`
}

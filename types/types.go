package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderKind distinguishes market vs limit orders.
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
)

// OrderStatus is the lifecycle status of an Order.
// PENDING -> SUBMITTED -> (PARTIAL_FILL)* -> {FILLED|CANCELLED|REJECTED|EXPIRED}
type OrderStatus string

const (
	OrderPending     OrderStatus = "PENDING"
	OrderSubmitted   OrderStatus = "SUBMITTED"
	OrderPartialFill OrderStatus = "PARTIAL_FILL"
	OrderFilled      OrderStatus = "FILLED"
	OrderCancelled   OrderStatus = "CANCELLED"
	OrderRejected    OrderStatus = "REJECTED"
	OrderExpired     OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is an absorbing state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Order is the system's persisted representation of a signal submitted to a
// broker.
type Order struct {
	OrderID           string // client UUID, unique
	BrokerOrderID     string // nullable, unique once set
	AccountID         string
	StrategyID        string
	Symbol            string
	Side              OrderSide
	Kind              OrderKind
	LimitPrice        decimal.Decimal // required iff Kind == KindLimit
	Quantity          decimal.Decimal // > 0
	FilledQty         decimal.Decimal // 0 <= FilledQty <= Quantity
	AvgFillPrice      decimal.Decimal
	Status            OrderStatus
	CloseRequestID    string // nullable FK
	BrokerUpdateSeq   int64  // nullable monotonic
	ReconcileNotFound int    // reconcile_not_found_count
	RejectReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PositionStatus is the lifecycle status of a Position.
type PositionStatus string

const (
	PositionOpen        PositionStatus = "open"
	PositionClosing     PositionStatus = "closing"
	PositionClosed      PositionStatus = "closed"
	PositionCloseRetry  PositionStatus = "close_retryable"
	PositionCloseFailed PositionStatus = "close_failed"
)

// Position is a long-only (MVP) holding in a single symbol.
type Position struct {
	AccountID            string
	Symbol               string
	AssetType            string
	StrategyID           string // nullable
	Quantity             decimal.Decimal
	AvgCost              decimal.Decimal
	CurrentPrice         decimal.Decimal
	Status               PositionStatus
	ActiveCloseRequestID string // nullable
	ClosedAt             *time.Time
}

// CloseRequestStatus is the lifecycle status of a CloseRequest.
type CloseRequestStatus string

const (
	CloseRequestPending   CloseRequestStatus = "pending"
	CloseRequestSubmitted CloseRequestStatus = "submitted"
	CloseRequestCompleted CloseRequestStatus = "completed"
	CloseRequestFailed    CloseRequestStatus = "failed"
)

// CloseRequest is an explicit intent to exit a position, keyed by an
// idempotency key unique per position.
type CloseRequest struct {
	ID             int64
	PositionID     string
	IdempotencyKey string
	Status         CloseRequestStatus
	Symbol         string
	Side           OrderSide
	TargetQty      decimal.Decimal
	FilledQty      decimal.Decimal
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	SubmittedAt    *time.Time
	CompletedAt    *time.Time
}

// RemainingQty mirrors the stored generated column target_qty - filled_qty.
func (c *CloseRequest) RemainingQty() decimal.Decimal {
	return c.TargetQty.Sub(c.FilledQty)
}

// OutboxStatus is the lifecycle status of an OutboxEvent.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed      OutboxStatus = "failed"
)

// OutboxEventType enumerates the event types the worker pool understands.
type OutboxEventType string

const (
	EventSubmitCloseOrder OutboxEventType = "SUBMIT_CLOSE_ORDER"
)

// OutboxEvent buffers a side-effectful intent for asynchronous workers.
type OutboxEvent struct {
	ID          int64
	EventType   OutboxEventType
	Payload     []byte // structured JSON blob
	Status      OutboxStatus
	RetryCount  int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// SubmitCloseOrderPayload is the structured payload for EventSubmitCloseOrder.
type SubmitCloseOrderPayload struct {
	CloseRequestID int64  `json:"close_request_id"`
	PositionID     string `json:"position_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	OrderID        string `json:"order_id"` // client-generated id handed back synchronously on close-request creation
}

// AlertSeverity ranks alert urgency.
type AlertSeverity string

const (
	SevCritical AlertSeverity = "SEV1"
	SevHigh     AlertSeverity = "SEV2"
	SevLow      AlertSeverity = "SEV3"
)

// Alert is a deduplicated, persisted warning about system or risk state.
type Alert struct {
	ID              int64
	Type            string
	Severity        AlertSeverity
	Fingerprint     string
	DedupeKey       string
	Summary         string
	Details         []byte // <= 8 KiB
	AccountID       string
	Symbol          string
	StrategyID      string
	SuppressedCount int
	EventTimestamp  time.Time
	CreatedAt       time.Time
}

// AlertDelivery records one delivery attempt of an Alert to a channel.
type AlertDelivery struct {
	ID             int64
	AlertID        int64
	Channel        string
	DestinationKey string
	AttemptNumber  int
	Status         string
	ResponseCode   int
	ErrorMessage   string
	SentAt         *time.Time
}

// ValueMode distinguishes an inline audit diff from an out-of-line reference.
type ValueMode string

const (
	ValueModeDiff      ValueMode = "diff"
	ValueModeReference ValueMode = "reference"
)

// AuditEvent is one row of the append-only, hash-linked audit chain.
type AuditEvent struct {
	SequenceID   int64
	Checksum     string
	PrevChecksum string // empty for the first row
	EventType    string
	ActorID      string
	ActorType    string
	ResourceType string
	ResourceID   string
	RequestID    string
	Source       string
	Severity     string
	OldValue     []byte
	NewValue     []byte
	ValueMode    ValueMode
	ValueHash    string // set when ValueMode == ValueModeReference
	CreatedAt    time.Time
}

// TradingFSMState is the operator-facing trading state.
type TradingFSMState string

const (
	TradingRunning TradingFSMState = "RUNNING"
	TradingPaused  TradingFSMState = "PAUSED"
	TradingHalted  TradingFSMState = "HALTED"
)

// SystemModeState is the health-driven degradation mode.
type SystemModeState string

const (
	ModeNormal               SystemModeState = "normal"
	ModeDegraded             SystemModeState = "degraded"
	ModeSafeMode             SystemModeState = "safe_mode"
	ModeSafeModeDisconnected SystemModeState = "safe_mode_disconnected"
	ModeHalt                 SystemModeState = "halt"
	ModeRecovering           SystemModeState = "recovering"
)

// IdempotencyKey is a cached response keyed to dedupe client actions and fills.
type IdempotencyKey struct {
	Key          string
	ResourceType string
	ResourceID   string
	ResponseData []byte
	ExpiresAt    time.Time
}

// WALEntry is one row of the degraded-DB write-ahead buffer.
type WALEntry struct {
	ID            int64
	IdempotentKey string
	ResourceType  string
	ResourceID    string
	OldState      []byte
	NewState      []byte
	CreatedAt     time.Time
	ReplayedAt    *time.Time
}

// Signal is a strategy-emitted trading intent.
type Signal struct {
	StrategyID string
	ClientID   string // client-supplied idempotency discriminator
	AccountID  string
	Symbol     string
	Side       OrderSide
	Kind       OrderKind
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	IsClose    bool // close/reduce-only intents bypass the RUNNING-only kill_switch check
}

// Fill is a partial or complete execution report from a broker.
type Fill struct {
	FillID        string
	BrokerOrderID string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}

// PortfolioSnapshot is the read-only view the Risk Gate consults.
type PortfolioSnapshot struct {
	AccountID        string
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	BuyingPower      decimal.Decimal
	MarginUsed       decimal.Decimal
	DailyPnL         decimal.Decimal
	OpenPositions    map[string]*Position // symbol -> position
	ExposureBySymbol map[string]decimal.Decimal
}

// GovernanceContext is the read-only scalar view of governance state
// consumed by the core. No raw governance entities cross into the core.
type GovernanceContext struct {
	ActivePool           []string
	PacingMultiplier     decimal.Decimal
	RiskBudgetMultiplier decimal.Decimal
	VetoDowngradeActive  bool
	StopMode             bool
	PoolVersion          int
	RegimeState          string
}

package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkStatus is the lifecycle state of a work.
type WorkStatus string

const (
	WorkStatusDraft     WorkStatus = "DRAFT"
	WorkStatusReview    WorkStatus = "REVIEW"
	WorkStatusPublished WorkStatus = "PUBLISHED"
	WorkStatusSold      WorkStatus = "SOLD"
	WorkStatusArchived  WorkStatus = "ARCHIVED"
)

// ContentType tags the kind of content a work carries.
type ContentType string

const (
	ContentText        ContentType = "TEXT"
	ContentImage       ContentType = "IMAGE"
	ContentVideo       ContentType = "VIDEO"
	ContentAudio       ContentType = "AUDIO"
	ContentInteractive ContentType = "INTERACTIVE"
	ContentMixed       ContentType = "MIXED"
	ContentCode        ContentType = "CODE"
)

// Defaults applied to work.created and work.sold payloads.
const (
	DefaultContentType = ContentText
	DefaultMedium      = "unknown"
	DefaultCurrency    = "ETH"
	VisibilityPublic   = "PUBLIC"
)

// Work is a creative output owned by one agent.
type Work struct {
	ID              string          `json:"id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	Title           string          `json:"title"`
	Description     *string         `json:"description,omitempty"`
	Content         *string         `json:"content,omitempty"`
	ContentType     ContentType     `json:"content_type"`
	ContentMetadata json.RawMessage `json:"content_metadata,omitempty"`
	Medium          string          `json:"medium"`
	Tags            []string        `json:"tags"`
	ContentURL      *string         `json:"content_url,omitempty"`
	ThumbnailURL    *string         `json:"thumbnail_url,omitempty"`
	AIModel         *string         `json:"ai_model,omitempty"`
	PromptUsed      *string         `json:"prompt_used,omitempty"`
	GenerationTime  *float64        `json:"generation_time,omitempty"`
	Status          WorkStatus      `json:"status"`
	Visibility      string          `json:"visibility"`
	Quality         *float64        `json:"quality,omitempty"`
	SalePrice       *float64        `json:"sale_price,omitempty"`
	Currency        *string         `json:"currency,omitempty"`
	BuyerID         *string         `json:"buyer_id,omitempty"`
	Platform        *string         `json:"platform,omitempty"`
	Views           int64           `json:"views"`
	Likes           int64           `json:"likes"`
	GrossRevenue    *float64        `json:"gross_revenue,omitempty"`
	NetRevenue      *float64        `json:"net_revenue,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	SoldAt          *time.Time      `json:"sold_at,omitempty"`
}

// Sale is the set of facts recorded when a work is sold. The same facts
// update the Work and create its SALE Transaction.
type Sale struct {
	EventID       string
	WorkID        string
	AgentID       uuid.UUID
	SalePrice     float64
	Currency      string
	BuyerID       *string
	Platform      *string
	RoyaltyAmount *float64
	TxHash        *string
	BlockNumber   *int64
	GasUsed       *int64
	SoldAt        time.Time
}

// GrossRevenue is the full sale price.
func (s Sale) GrossRevenue() float64 {
	return s.SalePrice
}

// NetRevenue is the sale price less royalty when a royalty is present.
// Royalty is assumed to be in the same currency and units as the price.
func (s Sale) NetRevenue() float64 {
	if s.RoyaltyAmount != nil {
		return s.SalePrice - *s.RoyaltyAmount
	}
	return s.SalePrice
}

// TransactionSale is the only transaction type the pipeline records.
const TransactionSale = "SALE"

// Transaction is one monetary event against a work. Immutable once written.
type Transaction struct {
	ID            uuid.UUID `json:"id"`
	EventID       string    `json:"event_id"`
	WorkID        string    `json:"work_id"`
	Type          string    `json:"type"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	BuyerID       *string   `json:"buyer_id,omitempty"`
	Platform      *string   `json:"platform,omitempty"`
	RoyaltyAmount *float64  `json:"royalty_amount,omitempty"`
	TxHash        *string   `json:"tx_hash,omitempty"`
	BlockNumber   *int64    `json:"block_number,omitempty"`
	GasUsed       *int64    `json:"gas_used,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WorkFilter narrows work listings for one agent.
type WorkFilter struct {
	Medium string
	Limit  int
	Offset int
}

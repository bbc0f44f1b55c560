package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmeter/agentmeter/internal/timeutil"
)

var (
	ErrInvalidCapType     = errors.New("invalid cap type")
	ErrInvalidLimit       = errors.New("limit_usd must be positive")
	ErrInvalidThreshold   = errors.New("alert_threshold must be in (0, 1]")
	ErrInvalidEnforcement = errors.New("invalid enforcement")
	ErrTargetRequired     = errors.New("target_name is required for this cap type")
)

// CapType selects which slice of spend a cap constrains.
type CapType string

const (
	CapGlobal   CapType = "global"
	CapProvider CapType = "provider"
	CapModel    CapType = "model"
	CapAgent    CapType = "agent"
	CapCustomer CapType = "customer"
)

// Enforcement decides what happens when a cap is exhausted. Alert-only is
// the default; hard blocking is strictly opt-in per cap.
type Enforcement string

const (
	EnforcementAlert     Enforcement = "alert"
	EnforcementHardBlock Enforcement = "hard_block"
)

// Cap is an owner-configured spending limit. current_spend is always derived
// by summing matching events in the running period window, never stored.
type Cap struct {
	ID             uuid.UUID          `json:"id"`
	TenantID       uuid.UUID          `json:"tenant_id"`
	Type           CapType            `json:"cap_type"`
	TargetName     string             `json:"target_name,omitempty"`
	LimitUSD       float64            `json:"limit_usd"`
	Period         timeutil.CapPeriod `json:"period"`
	AlertThreshold float64            `json:"alert_threshold"`
	Enforcement    Enforcement        `json:"enforcement"`
	Enabled        bool               `json:"enabled"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Validate normalizes and checks a cap definition before persistence.
func (c *Cap) Validate() error {
	switch c.Type {
	case CapGlobal:
	case CapProvider, CapModel, CapAgent, CapCustomer:
		if strings.TrimSpace(c.TargetName) == "" {
			return ErrTargetRequired
		}
	default:
		return ErrInvalidCapType
	}
	if c.LimitUSD <= 0 {
		return ErrInvalidLimit
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		return ErrInvalidThreshold
	}
	switch c.Enforcement {
	case "":
		c.Enforcement = EnforcementAlert
	case EnforcementAlert, EnforcementHardBlock:
	default:
		return ErrInvalidEnforcement
	}
	c.Period = timeutil.NormalizeCapPeriod(string(c.Period))
	return nil
}

// Matches reports whether the event's spend counts toward this cap.
func (c *Cap) Matches(e *Event) bool {
	if e.TenantID != c.TenantID {
		return false
	}
	switch c.Type {
	case CapGlobal:
		return true
	case CapProvider:
		return strings.EqualFold(e.Provider, c.TargetName)
	case CapModel:
		return e.Model == c.TargetName
	case CapAgent:
		return e.Section == c.TargetName
	case CapCustomer:
		return e.CustomerID == c.TargetName
	default:
		return false
	}
}

// CapAlert records one threshold crossing for one cap period, so repeated
// evaluations within the period do not re-fire the alert.
type CapAlert struct {
	ID           uuid.UUID `json:"id"`
	CapID        uuid.UUID `json:"cap_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	PeriodStart  time.Time `json:"period_start"`
	Threshold    float64   `json:"threshold"`
	CurrentSpend float64   `json:"current_spend"`
	LimitUSD     float64   `json:"limit_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

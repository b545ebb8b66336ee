package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seobaike/remotegate/pkg/identity"
)

// Risk classifies a command as executable immediately or as requiring
// a queued approval. The classification is static per command, never
// derived from a path verdict.
type Risk string

const (
	RiskImmediate Risk = "immediate"
	RiskQueued    Risk = "queued"
)

// CommandSpec is the externally supplied policy for one command.
type CommandSpec struct {
	// Floor is the minimum permission level allowed to invoke the
	// command ("guest", "user", "operator", "boss").
	Floor string `yaml:"floor"`
	// Risk is "immediate" or "queued".
	Risk Risk `yaml:"risk"`
	// CooldownSeconds overrides the default per-command cooldown.
	// Zero means no per-command cooldown.
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// Taxonomy marks commands whose arguments form an inference path
	// that must pass the governor before execution or queueing.
	Taxonomy bool `yaml:"taxonomy"`
}

// ApproverChannel is one notification target for queued requests.
type ApproverChannel struct {
	Platform string `yaml:"platform"`
	UserID   string `yaml:"user_id"`
}

// Surface is the command surface: aliases, per-command policy and the
// approver notification list. Immutable after load.
type Surface struct {
	Aliases   map[string]string      `yaml:"aliases"`
	Commands  map[string]CommandSpec `yaml:"commands"`
	Approvers []ApproverChannel      `yaml:"approvers"`
}

// LoadSurface reads and validates a YAML surface file.
func LoadSurface(path string) (*Surface, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command surface: %w", err)
	}
	return ParseSurface(raw)
}

// ParseSurface decodes and validates surface YAML.
func ParseSurface(raw []byte) (*Surface, error) {
	var s Surface
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse command surface: %w", err)
	}
	for name, spec := range s.Commands {
		switch spec.Risk {
		case "", RiskImmediate, RiskQueued:
		default:
			return nil, fmt.Errorf("command %q: unknown risk class %q", name, spec.Risk)
		}
		switch strings.ToLower(spec.Floor) {
		case "", "guest", "user", "operator", "boss":
		default:
			return nil, fmt.Errorf("command %q: unknown permission floor %q", name, spec.Floor)
		}
		if spec.CooldownSeconds < 0 {
			return nil, fmt.Errorf("command %q: negative cooldown", name)
		}
	}
	return &s, nil
}

// FloorFor returns the permission floor for a command. Unlisted
// commands require operator, the restrictive default.
func (s *Surface) FloorFor(command string) identity.PermissionLevel {
	spec, ok := s.Commands[command]
	if !ok || spec.Floor == "" {
		return identity.LevelOperator
	}
	return identity.ParseLevel(spec.Floor)
}

// HighRisk reports whether the command must go through approval.
func (s *Surface) HighRisk(command string) bool {
	return s.Commands[command].Risk == RiskQueued
}

// NeedsTaxonomy reports whether the command's arguments form an
// inference path the governor must validate.
func (s *Surface) NeedsTaxonomy(command string) bool {
	return s.Commands[command].Taxonomy
}

// CooldownFor returns the per-command cooldown, zero when none is set.
func (s *Surface) CooldownFor(command string) time.Duration {
	return time.Duration(s.Commands[command].CooldownSeconds) * time.Second
}

// Known reports whether the command is part of the surface.
func (s *Surface) Known(command string) bool {
	_, ok := s.Commands[command]
	return ok
}

// DefaultSurface is the built-in surface used when no file is supplied.
func DefaultSurface() *Surface {
	return &Surface{
		Commands: map[string]CommandSpec{
			"help":     {Floor: "guest"},
			"start":    {Floor: "guest"},
			"status":   {Floor: "user", CooldownSeconds: 5},
			"l1":       {Floor: "user"},
			"l2":       {Floor: "user"},
			"l3":       {Floor: "user"},
			"l4":       {Floor: "user"},
			"path":     {Floor: "user", Taxonomy: true},
			"bind":     {Floor: "user", CooldownSeconds: 30},
			"pending":  {Floor: "operator"},
			"approve":  {Floor: "operator"},
			"reject":   {Floor: "operator"},
			"scan":     {Floor: "operator", Risk: RiskQueued, CooldownSeconds: 60},
			"keywords": {Floor: "operator", CooldownSeconds: 10},
			"seo":      {Floor: "operator", CooldownSeconds: 10},
			"feature":  {Floor: "boss", Risk: RiskQueued},
			"ai":       {Floor: "boss", Risk: RiskQueued},
			"users":    {Floor: "operator"},
			"kyc":      {Floor: "operator", Risk: RiskQueued},
			"refund":   {Floor: "operator", Risk: RiskQueued},
			"points":   {Floor: "operator", Risk: RiskQueued},
			"system":   {Floor: "boss", Risk: RiskQueued},
		},
	}
}

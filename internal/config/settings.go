// Package config loads, validates and persists the gateway's YAML
// configuration and keeps the catalog snapshot in sync with it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/outbound"
)

// Error taxonomy for configuration mutations. The API layer maps these to
// HTTP status codes.
var (
	ErrNotFound             = errors.New("entity not found")
	ErrIDConflict           = errors.New("id already in use")
	ErrReferentialIntegrity = errors.New("entity is referenced elsewhere")
	ErrValidation           = errors.New("invalid configuration")
)

// ServerSettings configures the HTTP API server and the inbound WebSocket
// server.
type ServerSettings struct {
	Host   string `yaml:"host,omitempty" json:"host"`
	Port   int    `yaml:"port,omitempty" json:"port"`
	WSPort int    `yaml:"ws_port,omitempty" json:"ws_port"`
}

// DatabaseSettings locates the SQLite database file.
type DatabaseSettings struct {
	Path string `yaml:"path,omitempty" json:"path"`
}

// LoggingSettings configures log level and optional log file.
type LoggingSettings struct {
	Level string `yaml:"level,omitempty" json:"level"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Connection describes one downstream WebSocket target.
type Connection struct {
	ID                string `yaml:"id" json:"id"`
	Name              string `yaml:"name" json:"name"`
	URL               string `yaml:"url" json:"url"`
	Token             string `yaml:"token,omitempty" json:"token,omitempty"`
	AutoReconnect     *bool  `yaml:"auto_reconnect,omitempty" json:"auto_reconnect,omitempty"`
	ReconnectInterval int    `yaml:"reconnect_interval,omitempty" json:"reconnect_interval,omitempty"`
	AllowForward      bool   `yaml:"allow_forward,omitempty" json:"allow_forward,omitempty"`
}

// AutoReconnectEnabled defaults to true when omitted.
func (c *Connection) AutoReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// Interval returns the reconnect interval, defaulting to 5 seconds.
func (c *Connection) Interval() time.Duration {
	if c.ReconnectInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectInterval) * time.Second
}

// PoolConfig translates the connection into the outbound pool's config.
func (c *Connection) PoolConfig() outbound.Config {
	return outbound.Config{
		ID:                c.ID,
		Name:              c.Name,
		URL:               c.URL,
		Token:             c.Token,
		AutoReconnect:     c.AutoReconnectEnabled(),
		ReconnectInterval: c.Interval(),
		AllowForward:      c.AllowForward,
	}
}

// Settings is the full configuration document.
type Settings struct {
	Server      ServerSettings       `yaml:"server,omitempty" json:"server"`
	Database    DatabaseSettings     `yaml:"database,omitempty" json:"database"`
	Logging     LoggingSettings      `yaml:"logging,omitempty" json:"logging"`
	Categories  []catalog.Category   `yaml:"categories,omitempty" json:"categories"`
	Connections []Connection         `yaml:"connections,omitempty" json:"connections"`
	CommandSets []catalog.CommandSet `yaml:"command_sets,omitempty" json:"command_sets"`
	AccessLists []catalog.AccessList `yaml:"access_lists,omitempty" json:"access_lists"`
	Final       catalog.FinalRule    `yaml:"final,omitempty" json:"final"`
	Admins      []int64              `yaml:"admins,omitempty" json:"admins"`
}

// DefaultSettings returns the built-in defaults applied before the file and
// environment are consulted.
func DefaultSettings() *Settings {
	return &Settings{
		Server:   ServerSettings{Host: "0.0.0.0", Port: 8080, WSPort: 8765},
		Database: DatabaseSettings{Path: "data/dispatcher.db"},
		Logging:  LoggingSettings{Level: "info"},
		Final:    catalog.FinalRule{Action: catalog.FinalReject, Message: "未知指令"},
	}
}

// CatalogInput projects the routing entities for a catalog build.
func (s *Settings) CatalogInput() catalog.Input {
	return catalog.Input{
		Categories:  s.Categories,
		CommandSets: s.CommandSets,
		AccessLists: s.AccessLists,
		Final:       s.Final,
		Admins:      s.Admins,
	}
}

// Connection returns the connection with the given id, or nil.
func (s *Settings) Connection(id string) *Connection {
	for i := range s.Connections {
		if s.Connections[i].ID == id {
			return &s.Connections[i]
		}
	}
	return nil
}

// Validate checks id uniqueness and enum fields across the document.
func (s *Settings) Validate() error {
	categoryIDs := make(map[string]struct{}, len(s.Categories))
	for _, cat := range s.Categories {
		if cat.ID == "" {
			return fmt.Errorf("%w: category with empty id", ErrValidation)
		}
		if _, dup := categoryIDs[cat.ID]; dup {
			return fmt.Errorf("%w: category %q", ErrIDConflict, cat.ID)
		}
		categoryIDs[cat.ID] = struct{}{}
	}

	setIDs := make(map[string]struct{}, len(s.CommandSets))
	prefixes := make(map[string]string, len(s.CommandSets))
	for i := range s.CommandSets {
		set := &s.CommandSets[i]
		if set.ID == "" {
			return fmt.Errorf("%w: command set with empty id", ErrValidation)
		}
		if _, dup := setIDs[set.ID]; dup {
			return fmt.Errorf("%w: command set %q", ErrIDConflict, set.ID)
		}
		setIDs[set.ID] = struct{}{}
		if set.Prefix != "" {
			if other, dup := prefixes[set.Prefix]; dup {
				return fmt.Errorf("%w: prefix %q used by %q and %q", ErrIDConflict, set.Prefix, other, set.ID)
			}
			prefixes[set.Prefix] = set.ID
		}
		if set.TargetWS == "" {
			return fmt.Errorf("%w: command set %q has no target_ws", ErrValidation, set.ID)
		}
		for _, cmd := range set.Commands {
			if !strings.HasPrefix(cmd.Name, "/") {
				return fmt.Errorf("%w: command %q in set %q must start with /", ErrValidation, cmd.Name, set.ID)
			}
			if cmd.TimeRestriction != nil {
				if _, err := catalog.ParseClockTime(cmd.TimeRestriction.Start); err != nil {
					return fmt.Errorf("%w: command %q: %v", ErrValidation, cmd.Name, err)
				}
				if _, err := catalog.ParseClockTime(cmd.TimeRestriction.End); err != nil {
					return fmt.Errorf("%w: command %q: %v", ErrValidation, cmd.Name, err)
				}
			}
		}
	}

	listIDs := make(map[string]struct{}, len(s.AccessLists))
	for _, list := range s.AccessLists {
		if list.ID == "" {
			return fmt.Errorf("%w: access list with empty id", ErrValidation)
		}
		if _, dup := listIDs[list.ID]; dup {
			return fmt.Errorf("%w: access list %q", ErrIDConflict, list.ID)
		}
		listIDs[list.ID] = struct{}{}
		if list.Type != catalog.ListTypeUser && list.Type != catalog.ListTypeGroup {
			return fmt.Errorf("%w: access list %q has type %q", ErrValidation, list.ID, list.Type)
		}
		if list.Mode != catalog.ModeWhitelist && list.Mode != catalog.ModeBlacklist {
			return fmt.Errorf("%w: access list %q has mode %q", ErrValidation, list.ID, list.Mode)
		}
	}

	connIDs := make(map[string]struct{}, len(s.Connections))
	for _, conn := range s.Connections {
		if conn.ID == "" {
			return fmt.Errorf("%w: connection with empty id", ErrValidation)
		}
		if _, dup := connIDs[conn.ID]; dup {
			return fmt.Errorf("%w: connection %q", ErrIDConflict, conn.ID)
		}
		connIDs[conn.ID] = struct{}{}
		if conn.URL == "" {
			return fmt.Errorf("%w: connection %q has no url", ErrValidation, conn.ID)
		}
	}

	switch s.Final.Action {
	case "", catalog.FinalReject, catalog.FinalAllow:
	case catalog.FinalForward:
		if s.Final.TargetWS == "" {
			return fmt.Errorf("%w: final action forward requires target_ws", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: final action %q", ErrValidation, s.Final.Action)
	}

	return nil
}

package catalog

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/wsdispatch/wsdispatch/internal/parser"
)

// Input is the configuration slice the catalog is built from.
type Input struct {
	Categories  []Category
	CommandSets []CommandSet
	AccessLists []AccessList
	Final       FinalRule
	Admins      []int64
}

// Catalog is an immutable, indexed snapshot of the routing configuration.
// It is rebuilt wholesale on every config save and swapped through a Handle;
// readers never take locks.
type Catalog struct {
	setsByID        map[string]*CommandSet
	setsByPrefix    map[string]*CommandSet
	setsByNameLower map[string]*CommandSet
	setsByCategory  map[string][]*CommandSet
	publicSets      []*CommandSet
	enabledSets     []*CommandSet

	categoriesByID   map[string]*Category
	categoriesSorted []*Category

	accessListsByID map[string]*AccessList

	final  FinalRule
	admins map[int64]struct{}

	parser *parser.Parser
}

// Build constructs a snapshot. Input slices are copied; the caller may reuse
// them. Building twice from the same input yields identical index contents.
func Build(in Input) *Catalog {
	c := &Catalog{
		setsByID:        make(map[string]*CommandSet, len(in.CommandSets)),
		setsByPrefix:    make(map[string]*CommandSet),
		setsByNameLower: make(map[string]*CommandSet, len(in.CommandSets)),
		setsByCategory:  make(map[string][]*CommandSet),
		categoriesByID:  make(map[string]*Category, len(in.Categories)),
		accessListsByID: make(map[string]*AccessList, len(in.AccessLists)),
		final:           in.Final,
		admins:          make(map[int64]struct{}, len(in.Admins)),
	}

	for _, id := range in.Admins {
		c.admins[id] = struct{}{}
	}

	for i := range in.Categories {
		cat := in.Categories[i]
		c.categoriesByID[cat.ID] = &cat
		if cat.IsEnabled() {
			c.categoriesSorted = append(c.categoriesSorted, &cat)
		}
	}
	sort.SliceStable(c.categoriesSorted, func(i, j int) bool {
		if c.categoriesSorted[i].Order != c.categoriesSorted[j].Order {
			return c.categoriesSorted[i].Order < c.categoriesSorted[j].Order
		}
		return c.categoriesSorted[i].ID < c.categoriesSorted[j].ID
	})

	for i := range in.CommandSets {
		set := in.CommandSets[i]
		c.setsByID[set.ID] = &set
		if !set.IsEnabled() {
			continue
		}
		c.enabledSets = append(c.enabledSets, &set)
		c.setsByNameLower[lower(set.Name)] = &set
		if set.Prefix != "" {
			c.setsByPrefix[set.Prefix] = &set
		}
		if set.IsPublic {
			c.publicSets = append(c.publicSets, &set)
		}
		if set.Category != "" {
			c.setsByCategory[set.Category] = append(c.setsByCategory[set.Category], &set)
		}
	}

	for _, sets := range c.setsByCategory {
		sort.SliceStable(sets, func(i, j int) bool {
			if sets[i].Priority != sets[j].Priority {
				return sets[i].Priority > sets[j].Priority
			}
			return sets[i].ID < sets[j].ID
		})
	}

	for i := range in.AccessLists {
		list := in.AccessLists[i]
		c.accessListsByID[list.ID] = &list
	}

	prefixes := make([]string, 0, len(c.setsByPrefix))
	for prefix := range c.setsByPrefix {
		prefixes = append(prefixes, prefix)
	}
	c.parser = parser.New(prefixes)

	return c
}

// Parser returns the command parser configured with this snapshot's prefixes.
func (c *Catalog) Parser() *parser.Parser { return c.parser }

// Final returns the configured catch-all rule.
func (c *Catalog) Final() FinalRule { return c.final }

// IsAdmin reports whether id is a configured administrator.
func (c *Catalog) IsAdmin(id int64) bool {
	_, ok := c.admins[id]
	return ok
}

// SetByID returns a command set by id, enabled or not.
func (c *Catalog) SetByID(id string) *CommandSet { return c.setsByID[id] }

// SetByPrefix returns the enabled command set owning the prefix.
func (c *Catalog) SetByPrefix(prefix string) *CommandSet { return c.setsByPrefix[prefix] }

// SetByName returns the enabled command set whose name matches
// case-insensitively.
func (c *Catalog) SetByName(name string) *CommandSet { return c.setsByNameLower[lower(name)] }

// EnabledSets returns all enabled command sets in configuration order.
func (c *Catalog) EnabledSets() []*CommandSet { return c.enabledSets }

// PublicSets returns all enabled public command sets.
func (c *Catalog) PublicSets() []*CommandSet { return c.publicSets }

// SetsByCategory returns the enabled sets of a category, priority descending
// then id ascending.
func (c *Catalog) SetsByCategory(categoryID string) []*CommandSet {
	return c.setsByCategory[categoryID]
}

// CategoryByID returns a category by id, enabled or not.
func (c *Catalog) CategoryByID(id string) *Category { return c.categoriesByID[id] }

// Categories returns the enabled categories sorted by order.
func (c *Catalog) Categories() []*Category { return c.categoriesSorted }

// FindCategory resolves a category by display name (case-insensitive), name
// or id, in that order.
func (c *Catalog) FindCategory(key string) *Category {
	keyLower := lower(key)
	for _, cat := range c.categoriesSorted {
		if lower(cat.Display()) == keyLower || cat.Name == key || cat.ID == key {
			return cat
		}
	}
	return nil
}

// AccessList returns an access list by id.
func (c *Catalog) AccessList(id string) *AccessList { return c.accessListsByID[id] }

// CountSets returns the number of enabled command sets.
func (c *Catalog) CountSets() int { return len(c.enabledSets) }

// CountCategories returns the number of enabled categories.
func (c *Catalog) CountCategories() int { return len(c.categoriesSorted) }

// Handle is an atomically swappable pointer to the current snapshot.
type Handle struct {
	ptr atomic.Pointer[Catalog]
}

// NewHandle creates a handle holding the given snapshot.
func NewHandle(c *Catalog) *Handle {
	h := &Handle{}
	h.ptr.Store(c)
	return h
}

// Load returns the current snapshot.
func (h *Handle) Load() *Catalog { return h.ptr.Load() }

// Swap atomically replaces the snapshot.
func (h *Handle) Swap(c *Catalog) { h.ptr.Store(c) }

func lower(s string) string { return strings.ToLower(s) }

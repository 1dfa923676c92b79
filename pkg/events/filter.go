package events

import "github.com/carverauto/hearth/pkg/models"

// Filter selects which state changes a subscriber receives. Empty fields
// match everything, so the zero Filter is "all changes".
type Filter struct {
	// DeviceIDs limits delivery to changes for these devices.
	DeviceIDs []string `json:"device_ids,omitempty"`

	// Kinds limits delivery to these change kinds.
	Kinds []models.ChangeKind `json:"kinds,omitempty"`

	// EventTypes limits delivery to changes carrying a device event of
	// these types. Changes without an event never match a non-empty
	// EventTypes filter.
	EventTypes []string `json:"event_types,omitempty"`
}

// compiled is the set form of a Filter, built once at subscribe time.
type compiled struct {
	devices map[string]struct{}
	kinds   map[models.ChangeKind]struct{}
	types   map[string]struct{}
}

func (f Filter) compile() compiled {
	c := compiled{}

	if len(f.DeviceIDs) > 0 {
		c.devices = make(map[string]struct{}, len(f.DeviceIDs))
		for _, id := range f.DeviceIDs {
			c.devices[id] = struct{}{}
		}
	}

	if len(f.Kinds) > 0 {
		c.kinds = make(map[models.ChangeKind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			c.kinds[k] = struct{}{}
		}
	}

	if len(f.EventTypes) > 0 {
		c.types = make(map[string]struct{}, len(f.EventTypes))
		for _, tp := range f.EventTypes {
			c.types[tp] = struct{}{}
		}
	}

	return c
}

func (c compiled) matches(change *models.StateChange) bool {
	if change == nil {
		return false
	}

	if c.devices != nil {
		if _, ok := c.devices[change.DeviceID]; !ok {
			return false
		}
	}

	if c.kinds != nil {
		if _, ok := c.kinds[change.Kind]; !ok {
			return false
		}
	}

	if c.types != nil {
		if change.Event == nil {
			return false
		}

		if _, ok := c.types[change.Event.EventType]; !ok {
			return false
		}
	}

	return true
}

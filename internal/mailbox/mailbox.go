// Package mailbox carries control commands from network handlers to the
// vision loop through a single lock-free slot.
package mailbox

import (
	"strings"
	"sync/atomic"
)

// Command is a control request for the vision loop.
type Command uint32

const (
	None Command = iota
	Get
	Update
	Check
	Remap
	Quit
)

var names = [...]string{
	None:   "none",
	Get:    "get",
	Update: "update",
	Check:  "check",
	Remap:  "remap",
	Quit:   "quit",
}

func (c Command) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return "unknown"
}

// Parse maps a protocol word to a Command. Case and surrounding whitespace
// are ignored. "none" is not a valid command.
func Parse(s string) (Command, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if i > 0 && n == s {
			return Command(i), true
		}
	}
	return None, false
}

// Mailbox holds at most one unread command. A newer Post replaces an
// unread one. The zero value is empty and ready to use.
type Mailbox struct {
	slot atomic.Uint32
}

// Post stores c, overwriting any unread command.
func (m *Mailbox) Post(c Command) {
	m.slot.Store(uint32(c))
}

// Take returns the unread command and empties the slot. It returns None
// when nothing was posted since the last Take.
func (m *Mailbox) Take() Command {
	return Command(m.slot.Swap(uint32(None)))
}

// Pending reports whether an unread command is waiting.
func (m *Mailbox) Pending() bool {
	return Command(m.slot.Load()) != None
}

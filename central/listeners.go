package central

import "github.com/google/uuid"

// ListenerToken identifies a pushed listener so it can be removed from the
// middle of a stack. Function values are not comparable in Go, so push hands
// back a token instead of identity-comparing the listener itself.
type ListenerToken = uuid.UUID

type listenerEntry[L any] struct {
  id ListenerToken
  fn L
}

// listenerStack is a LIFO stack of listeners for one event slot. Events are
// delivered to the top entry only, which lets a UI screen push its own
// listener and restore the previous one by popping. Owned by the update
// worker; reads from façade methods go through the owning device's lock.
type listenerStack[L any] struct {
  entries []listenerEntry[L]
}

func (s *listenerStack[L]) Push(fn L) ListenerToken {
  id := uuid.New()

  s.entries = append(s.entries, listenerEntry[L]{id: id, fn: fn})

  return id
}

// Set clears the stack and pushes fn as the only listener.
func (s *listenerStack[L]) Set(fn L) ListenerToken {
  s.entries = s.entries[:0]

  return s.Push(fn)
}

// Pop removes the top listener. Returns false on an empty stack.
func (s *listenerStack[L]) Pop() bool {
  if len(s.entries) == 0 {
    return false
  }

  s.entries = s.entries[:len(s.entries)-1]

  return true
}

// Remove drops the listener registered under id, wherever it sits.
func (s *listenerStack[L]) Remove(id ListenerToken) bool {
  for i, entry := range s.entries {
    if entry.id == id {
      s.entries = append(s.entries[:i], s.entries[i+1:]...)
      return true
    }
  }

  return false
}

// Top returns the currently active listener.
func (s *listenerStack[L]) Top() (fn L, ok bool) {
  if len(s.entries) == 0 {
    return fn, false
  }

  return s.entries[len(s.entries)-1].fn, true
}

func (s *listenerStack[L]) Len() int {
  return len(s.entries)
}

package policy

import (
	"net/http"
	"sync"
)

// Message is the host request a Processor enforces a policy on. Headers come
// from the caller; properties are set by trusted code in the host.
type Message interface {
	Header(name string) string
	Property(name string) (string, bool)
	SetHeader(name, value string)
}

// MapMessage is an in-memory Message.
type MapMessage struct {
	mu         sync.RWMutex
	headers    http.Header
	properties map[string]string
}

func NewMapMessage() *MapMessage {
	return &MapMessage{headers: http.Header{}, properties: map[string]string{}}
}

func (m *MapMessage) Header(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headers.Get(name)
}

func (m *MapMessage) SetHeader(name, value string) {
	m.mu.Lock()
	m.headers.Set(name, value)
	m.mu.Unlock()
}

func (m *MapMessage) Property(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.properties[name]
	return v, ok
}

func (m *MapMessage) SetProperty(name, value string) {
	m.mu.Lock()
	m.properties[name] = value
	m.mu.Unlock()
}

// WithHeader sets a header and returns m for chaining.
func (m *MapMessage) WithHeader(name, value string) *MapMessage {
	m.SetHeader(name, value)
	return m
}

// WithProperty sets a property and returns m for chaining.
func (m *MapMessage) WithProperty(name, value string) *MapMessage {
	m.SetProperty(name, value)
	return m
}

package domain

// ---------------------------------------------------------------------------
// Shared value objects
// ---------------------------------------------------------------------------

// TransportType names the inbound transport the gateway listens on.
type TransportType string

const (
	TransportSocket  TransportType = "socket"
	TransportHTTP    TransportType = "http"
	TransportConsole TransportType = "console"
)

// AllTransportTypes returns all known transport types.
func AllTransportTypes() []TransportType {
	return []TransportType{TransportSocket, TransportHTTP, TransportConsole}
}

// String implements fmt.Stringer.
func (tt TransportType) String() string { return string(tt) }

// Valid returns true if the transport type is recognized.
func (tt TransportType) Valid() bool {
	for _, t := range AllTransportTypes() {
		if t == tt {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// ProviderType represents the kind of LLM provider behind the responder.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
	ProviderMoonshot  ProviderType = "moonshot"
)

// AllProviderTypes returns all known provider types.
func AllProviderTypes() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMoonshot}
}

func (pt ProviderType) String() string { return string(pt) }

// Valid returns true if the provider type is recognized.
func (pt ProviderType) Valid() bool {
	for _, p := range AllProviderTypes() {
		if p == pt {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// ConnectionStatus represents the health state of the transport.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
)

func (cs ConnectionStatus) String() string { return string(cs) }

package models

// ProxyType classifies the proxy backing a session.
type ProxyType string

const (
	ProxyNone        ProxyType = "none"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyResidential ProxyType = "residential"
)

// String implements fmt.Stringer for logging
func (p ProxyType) String() string {
	if p == "" {
		return "unset"
	}
	return string(p)
}

// IsValid returns true if the type is a known value
func (p ProxyType) IsValid() bool {
	switch p {
	case ProxyNone, ProxyDatacenter, ProxyResidential:
		return true
	}
	return false
}

// ProxyStrategy is a domain's declared requirement over session proxy types.
type ProxyStrategy string

const (
	StrategyNone        ProxyStrategy = "none"        // only proxyless sessions
	StrategyDatacenter  ProxyStrategy = "datacenter"  // datacenter proxies only
	StrategyResidential ProxyStrategy = "residential" // residential proxies only
	StrategyAny         ProxyStrategy = "any"         // any session qualifies
)

// IsValid returns true if the strategy is a known value
func (s ProxyStrategy) IsValid() bool {
	switch s {
	case StrategyNone, StrategyDatacenter, StrategyResidential, StrategyAny:
		return true
	}
	return false
}

// Accepts reports whether a session of the given type satisfies the strategy.
func (s ProxyStrategy) Accepts(pt ProxyType) bool {
	switch s {
	case StrategyAny:
		return true
	case StrategyNone:
		return pt == ProxyNone
	case StrategyDatacenter:
		return pt == ProxyDatacenter
	case StrategyResidential:
		return pt == ProxyResidential
	}
	return false
}

// RequiredProxyType maps a strategy to the proxy type a freshly created
// session should carry to satisfy it. StrategyAny maps to ProxyNone since a
// proxyless session is the cheapest session that still qualifies.
func (s ProxyStrategy) RequiredProxyType() ProxyType {
	switch s {
	case StrategyDatacenter:
		return ProxyDatacenter
	case StrategyResidential:
		return ProxyResidential
	}
	return ProxyNone
}

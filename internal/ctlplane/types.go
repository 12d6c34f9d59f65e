package ctlplane

import (
	"errors"

	"grimm.is/tunshare/internal/network"
	"grimm.is/tunshare/internal/services/dhcp"
	"grimm.is/tunshare/internal/session"
)

// State is the screen the controller is on.
type State int

const (
	StateMenu State = iota
	StateSelectingVPN
	StateSelectingLAN
	StateActive
	StateEditingDNS
)

func (s State) String() string {
	switch s {
	case StateMenu:
		return "menu"
	case StateSelectingVPN:
		return "selecting-vpn"
	case StateSelectingLAN:
		return "selecting-lan"
	case StateActive:
		return "active"
	case StateEditingDNS:
		return "editing-dns"
	}
	return "unknown"
}

// PendingOp is the background operation the controller is waiting on.
type PendingOp int

const (
	OpNone PendingOp = iota
	OpDetectingInterfaces
	OpDiscoveringDNS
	OpStartingSharing
	OpStartingDhcp
	OpStartingNatPmp
	OpStoppingSharing
	OpFetchingDebugInfo
)

func (p PendingOp) String() string {
	switch p {
	case OpNone:
		return "none"
	case OpDetectingInterfaces:
		return "detecting interfaces"
	case OpDiscoveringDNS:
		return "discovering dns"
	case OpStartingSharing:
		return "starting sharing"
	case OpStartingDhcp:
		return "starting dhcp"
	case OpStartingNatPmp:
		return "starting nat-pmp"
	case OpStoppingSharing:
		return "stopping sharing"
	case OpFetchingDebugInfo:
		return "fetching debug info"
	}
	return "unknown"
}

// ResultKind tags a Result.
type ResultKind int

const (
	ResultInterfacesDetected ResultKind = iota + 1
	ResultDNSDiscovered
	ResultSharingStarted
	ResultDhcpStarted
	ResultNatPmpStarted
	ResultSharingStopped
	ResultDebugInfoFetched
)

func (k ResultKind) String() string {
	switch k {
	case ResultInterfacesDetected:
		return "interfaces_detected"
	case ResultDNSDiscovered:
		return "dns_discovered"
	case ResultSharingStarted:
		return "sharing_started"
	case ResultDhcpStarted:
		return "dhcp_started"
	case ResultNatPmpStarted:
		return "natpmp_started"
	case ResultSharingStopped:
		return "sharing_stopped"
	case ResultDebugInfoFetched:
		return "debug_info_fetched"
	}
	return "unknown"
}

// pendingFor maps a result to the operation that produced it.
func (k ResultKind) pendingFor() PendingOp {
	switch k {
	case ResultInterfacesDetected:
		return OpDetectingInterfaces
	case ResultDNSDiscovered:
		return OpDiscoveringDNS
	case ResultSharingStarted:
		return OpStartingSharing
	case ResultDhcpStarted:
		return OpStartingDhcp
	case ResultNatPmpStarted:
		return OpStartingNatPmp
	case ResultSharingStopped:
		return OpStoppingSharing
	case ResultDebugInfoFetched:
		return OpFetchingDebugInfo
	}
	return OpNone
}

// carriesHandles reports whether the result returns loaned handles.
func (k ResultKind) carriesHandles() bool {
	return k == ResultSharingStarted || k == ResultSharingStopped
}

// Result is the outcome of one background operation. Only the fields for
// its Kind are set.
type Result struct {
	Kind ResultKind
	Err  error

	// seq identifies the spawn so a cancelled task cannot answer a newer
	// operation of the same kind.
	seq uint64

	Detection  network.Detection
	Resolvers  []network.Resolver
	Firewall   session.Firewall
	Forwarding session.Forwarding
	DHCPRange  dhcp.Range
	NatPmp     NatPmpServer
	Debug      *DebugInfo
}

var (
	// ErrBusy is returned when an operation is already pending.
	ErrBusy = errors.New("another operation is in progress")
	// ErrNoSession is returned by operations that need active sharing.
	ErrNoSession = errors.New("sharing is not active")
	// ErrSessionExists is returned when sharing is already set up.
	ErrSessionExists = errors.New("a sharing session already exists")
	// ErrInvalidState is returned when an action does not fit the screen.
	ErrInvalidState = errors.New("action not available here")
	// ErrUnknownInterface is returned for a name not in the last detection.
	ErrUnknownInterface = errors.New("unknown interface")
)

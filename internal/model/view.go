package model

import "fmt"

// CacheView is an agreed, versioned snapshot of the membership of one cache
type CacheView struct {
	ViewID  int        `json:"view_id"`
	Members AddressSet `json:"members"`
}

// NewCacheView creates a view with the given id and members
func NewCacheView(viewID int, members AddressSet) CacheView {
	return CacheView{ViewID: viewID, Members: members}
}

// IsEmpty reports whether the view is the zero view (never installed)
func (v CacheView) IsEmpty() bool {
	return v.ViewID == 0 && v.Members.IsEmpty()
}

// Contains reports whether addr is a member of the view
func (v CacheView) Contains(addr Address) bool {
	return v.Members.Contains(addr)
}

func (v CacheView) String() string {
	return fmt.Sprintf("CacheView{id=%d, members=%s}", v.ViewID, v.Members)
}

// ViewMessageType enumerates the view agreement messages
type ViewMessageType int

const (
	ViewPrepare ViewMessageType = iota + 1
	ViewCommit
	ViewRollback
	ViewRecover
	ViewJoin
	ViewLeave
)

func (t ViewMessageType) String() string {
	switch t {
	case ViewPrepare:
		return "prepare"
	case ViewCommit:
		return "commit"
	case ViewRollback:
		return "rollback"
	case ViewRecover:
		return "recover"
	case ViewJoin:
		return "join"
	case ViewLeave:
		return "leave"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ViewMessage is exchanged between the coordinator and the members of a cache.
//
// Prepare carries the proposed View, Commit carries the ViewID being committed,
// Rollback carries a fresh ViewID together with the CommittedViewID the members
// must fall back to. Join and Leave carry the Address of the requesting node.
type ViewMessage struct {
	Type            ViewMessageType `json:"type"`
	View            CacheView       `json:"view"`
	ViewID          int             `json:"view_id,omitempty"`
	CommittedViewID int             `json:"committed_view_id,omitempty"`
	Address         Address         `json:"address,omitempty"`
}

// ViewReply is returned by a member for a ViewMessage.
// For Recover it reports the member's committed and pending views and whether
// the member still wants to join the cache.
type ViewReply struct {
	Committed CacheView  `json:"committed"`
	Pending   *CacheView `json:"pending,omitempty"`
	WantsJoin bool       `json:"wants_join,omitempty"`
}

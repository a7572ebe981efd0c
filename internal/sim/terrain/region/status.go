package region

// Status is the lifecycle state of a region. A coordinate with no record is
// equivalent to StatusNone.
type Status uint8

const (
	StatusNone Status = iota
	StatusLoading
	StatusLoaded
	StatusModified
	StatusUnloading
	StatusUnloaded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusLoading:
		return "LOADING"
	case StatusLoaded:
		return "LOADED"
	case StatusModified:
		return "MODIFIED"
	case StatusUnloading:
		return "UNLOADING"
	case StatusUnloaded:
		return "UNLOADED"
	case StatusError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Flags carried on a region record alongside its status.
type Flags uint8

const (
	FlagActive Flags = 1 << iota
	FlagError
	// FlagMarkedForModification pins a region into every affected-set
	// resolution until the pending edit lands, regardless of distance.
	FlagMarkedForModification
)

type transition struct {
	from, to Status
}

// legalTransitions is the full table. Anything absent is rejected; in
// particular Loading->Unloaded is never legal, and Unloading->Unloaded is the
// only way out of an in-flight unload.
var legalTransitions = map[transition]bool{
	{StatusNone, StatusLoading}:       true,
	{StatusUnloaded, StatusLoading}:   true,
	{StatusLoading, StatusLoaded}:     true,
	{StatusLoading, StatusError}:      true,
	{StatusLoaded, StatusModified}:    true,
	{StatusModified, StatusLoaded}:    true,
	{StatusLoaded, StatusUnloading}:   true,
	{StatusModified, StatusUnloading}: true,
	{StatusUnloading, StatusUnloaded}: true,
	{StatusUnloaded, StatusNone}:      true,
	{StatusError, StatusNone}:         true,
}

// LegalTransition reports whether from->to is in the table.
func LegalTransition(from, to Status) bool {
	return legalTransitions[transition{from, to}]
}

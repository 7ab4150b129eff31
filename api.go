package teachos

// ContextID identifies an execution context (a thread, possibly running a user
// program). IDs are small integers handed out by the scheduler and reused once
// a context finishes.
type ContextID int

// NoContext is the owner recorded for physical frames that aren't bound to any
// execution context.
const NoContext = ContextID(-1)

// FileType is the kind of object a directory entry points to. The values are
// stored verbatim in directory records.
type FileType int32

const (
	TypeFile      FileType = 0
	TypeDirectory FileType = 1
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "dir"
	default:
		return "unknown"
	}
}

package device

// Observer receives device activity. Methods are called from pool workers
// as well as the caller's goroutine and must be safe for concurrent use.
type Observer interface {
	// SetupProgress is called as blocks are initialized by Setup.
	SetupProgress(blocks int, bytes int64)

	BlocksRead(n int, bytes int64)
	BlocksWritten(n int, bytes int64)

	// BatchDrained is called once per drained write batch with its error.
	BatchDrained(err error)
}

type nopObserver struct{}

func (nopObserver) SetupProgress(int, int64) {}
func (nopObserver) BlocksRead(int, int64)    {}
func (nopObserver) BlocksWritten(int, int64) {}
func (nopObserver) BatchDrained(error)       {}

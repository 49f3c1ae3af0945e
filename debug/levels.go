package debug

// Verbosity levels for klog, e.g. `logger.V(debug.LevelDetail).Info(...)`.
const (
	LevelBasic  = 1 // lifecycle transitions
	LevelInfo   = 2 // every IPC exchange
	LevelDetail = 4 // register values and interrupt decisions
)

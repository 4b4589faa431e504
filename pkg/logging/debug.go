package logging

// DebugEnable is set at link time (-X ...logging.DebugEnable=1) to build in
// the high volume tracing paths: per-chunk writes, every callback answer and
// job predicate evaluation.
var DebugEnable string

// Debuggable guards those paths. Builds without DebugEnable drop them.
var Debuggable = DebugEnable != ""

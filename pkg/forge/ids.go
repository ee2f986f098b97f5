package forge

import "fmt"

// MessageId, StepId, and ToolBatchId are opaque monotonic integers assigned
// by their owning store (history, stream journal, tool journal
// respectively). They are never reused within a data directory and carry
// no meaning beyond ordering — callers must not parse or derive information
// from their numeric value.
type MessageId int64

func (id MessageId) String() string { return fmt.Sprintf("msg-%d", int64(id)) }

// Valid reports whether the id was ever assigned by a store. The zero value
// is reserved as "no id yet" for messages under construction.
func (id MessageId) Valid() bool { return id > 0 }

type StepId int64

func (id StepId) String() string { return fmt.Sprintf("step-%d", int64(id)) }

func (id StepId) Valid() bool { return id > 0 }

type ToolBatchId int64

func (id ToolBatchId) String() string { return fmt.Sprintf("batch-%d", int64(id)) }

func (id ToolBatchId) Valid() bool { return id > 0 }

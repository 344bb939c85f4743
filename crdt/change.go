package crdt

// Action is the kind of a document op.
type Action string

const (
	ActionPut    Action = "put"
	ActionDelete Action = "del"
	ActionResize Action = "resize"
)

// Container says what a put stores at its path.
type Container string

const (
	ContainerNone   Container = ""
	ContainerObject Container = "object"
	ContainerArray  Container = "array"
)

// Op is one register write. A put of an object or array writes an empty
// container marker; its contents follow as separate ops.
type Op struct {
	Action    Action    `json:"action"`
	Path      []string  `json:"path"`
	Value     any       `json:"value,omitempty"`
	Container Container `json:"container,omitempty"`
	Length    int       `json:"len,omitempty"`
	Time      Timestamp `json:"time"`
}

// Change is the unit of replication: the ops of one local transaction.
type Change struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
	Time  int64  `json:"time"`
	Ops   []Op   `json:"ops"`
}

// Patch describes one op that took effect on this replica.
type Patch struct {
	Action Action   `json:"action"`
	Path   []string `json:"path"`
	Value  any      `json:"value,omitempty"`
}

func patchOf(op Op) Patch {
	p := Patch{Action: op.Action, Path: append([]string(nil), op.Path...)}
	switch {
	case op.Action == ActionResize:
		p.Value = float64(op.Length)
	case op.Container == ContainerObject:
		p.Value = map[string]any{}
	case op.Container == ContainerArray:
		p.Value = []any{}
	default:
		p.Value = op.Value
	}
	return p
}

package oracle

import (
	"fmt"
	"maps"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("oracle")

// Mode is the operating mode of an oracle
type Mode uint8

const (
	// Linear is a single logical actor: every key has exactly one expected value
	Linear Mode = iota
	// Concurrent are racing actors: every actor keeps its last write per key,
	// any of them is admissible
	Concurrent
)

func (m Mode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "linear"
}

// Op is an effect an actor believes it caused
type Op uint8

const (
	OpSet Op = iota
	OpDel
	// OpStall is a SET whose value was withheld. The key exists on the server
	// with an empty value until the SET completes.
	OpStall
)

// -----------------------------------------------------------
// Interface Definitions
// -----------------------------------------------------------

// IState is the view of the expected state a single actor records into.
// It is implemented by the oracle bound to an actor (see Bind) and by the
// private View of a stress worker.
type IState interface {
	// Record stores the last value the actor wrote for a key
	Record(key string, v Value)

	// Candidates returns all admissible values for a key, ok is false if the
	// key is not expected at all
	Candidates(key string) (candidates []Value, ok bool)
}

// Apply records an operation into the given state
func Apply(s IState, op Op, key string, value []byte) {
	switch op {
	case OpSet:
		s.Record(key, Of(value))
	case OpDel:
		s.Record(key, Deleted)
	case OpStall:
		// an existing key keeps its value while the new one is in flight
		if c, ok := s.Candidates(key); !ok || (len(c) == 1 && c[0].IsDeleted()) {
			s.Record(key, Of([]byte{}))
		}
	}
}

// --------------------------------------------------------------------------
// Oracle
// --------------------------------------------------------------------------

// Oracle is the independent model of what the server's state ought to be.
// It is owned by the controlling goroutine; stress workers use Views.
type Oracle struct {
	mode   Mode
	global map[string]Value
	actors []map[string]Value
}

// New creates an oracle in linear mode
func New() *Oracle {
	return &Oracle{
		mode:   Linear,
		global: make(map[string]Value),
	}
}

func (o *Oracle) Mode() Mode {
	return o.mode
}

// SwitchToConcurrent switches to concurrent mode with n actors. The linear
// state becomes the starting state of every actor. The switch is one-way;
// calling it again only adds missing actors.
func (o *Oracle) SwitchToConcurrent(n int) {
	if o.mode == Concurrent {
		o.ensureActors(n)
		return
	}

	o.actors = make([]map[string]Value, n)
	for i := range o.actors {
		o.actors[i] = maps.Clone(o.global)
	}
	o.global = nil
	o.mode = Concurrent
	Logger.Debugf("switched to concurrent mode with %d actors", n)
}

func (o *Oracle) ensureActors(n int) {
	for len(o.actors) < n {
		o.actors = append(o.actors, make(map[string]Value))
	}
}

// Bind returns the state of a single actor
func (o *Oracle) Bind(actor int) IState {
	return &actorState{o: o, actor: actor}
}

// Apply records an operation of an actor
func (o *Oracle) Apply(actor int, op Op, key string, value []byte) {
	Apply(o.Bind(actor), op, key, value)
}

// SetAt records the last value an actor wrote for a key
func (o *Oracle) SetAt(actor int, key string, v Value) {
	if o.mode == Linear {
		o.global[key] = v
		return
	}
	o.ensureActors(actor + 1)
	o.actors[actor][key] = v
}

// Delete records a successful DEL of an actor
func (o *Oracle) Delete(actor int, key string) {
	o.SetAt(actor, key, Deleted)
}

// Candidates returns the admissible values of a key over all actors
func (o *Oracle) Candidates(key string) ([]Value, bool) {
	if o.mode == Linear {
		v, ok := o.global[key]
		if !ok {
			return nil, false
		}
		return []Value{v}, true
	}

	var candidates []Value
	for _, state := range o.actors {
		if v, ok := state[key]; ok {
			candidates = appendUnique(candidates, v)
		}
	}
	return candidates, len(candidates) > 0
}

// Expected returns the admissible values of every expected key
func (o *Oracle) Expected() map[string][]Value {
	expected := make(map[string][]Value)
	if o.mode == Linear {
		for k, v := range o.global {
			expected[k] = []Value{v}
		}
		return expected
	}

	for _, state := range o.actors {
		for k, v := range state {
			expected[k] = appendUnique(expected[k], v)
		}
	}
	return expected
}

// Fork creates the private view of a stress worker acting as actor. The
// oracle must be in concurrent mode.
func (o *Oracle) Fork(actor int) *View {
	if o.mode != Concurrent {
		panic(fmt.Sprintf("fork of actor %d in %s mode", actor, o.mode))
	}
	o.ensureActors(actor + 1)

	others := make(map[string][]Value)
	for i, state := range o.actors {
		if i == actor {
			continue
		}
		for k, v := range state {
			others[k] = appendUnique(others[k], v)
		}
	}
	return &View{actor: actor, own: maps.Clone(o.actors[actor]), others: others}
}

// Merge replaces the state of an actor with the state of its view
func (o *Oracle) Merge(actor int, v *View) {
	o.ensureActors(actor + 1)
	o.actors[actor] = v.own
}

// actorState binds the oracle to one actor
type actorState struct {
	o     *Oracle
	actor int
}

func (s *actorState) Record(key string, v Value) {
	s.o.SetAt(s.actor, key, v)
}

func (s *actorState) Candidates(key string) ([]Value, bool) {
	return s.o.Candidates(key)
}

// --------------------------------------------------------------------------
// View
// --------------------------------------------------------------------------

// View is the private expected state of one stress worker. It sees the
// writes of the other actors as of the fork and its own writes live.
type View struct {
	actor  int
	own    map[string]Value
	others map[string][]Value
}

// Actor returns the actor the view was forked for
func (v *View) Actor() int {
	return v.actor
}

func (v *View) Record(key string, val Value) {
	v.own[key] = val
}

func (v *View) Candidates(key string) ([]Value, bool) {
	candidates := append([]Value(nil), v.others[key]...)
	if val, ok := v.own[key]; ok {
		candidates = appendUnique(candidates, val)
	}
	return candidates, len(candidates) > 0
}

// Len returns the number of keys the worker recorded (including the
// inherited ones)
func (v *View) Len() int {
	return len(v.own)
}

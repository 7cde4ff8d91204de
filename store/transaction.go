package store

import (
	"errors"

	"github.com/bobuhiro11/gosoo/vbstore"
)

type opKind uint8

const (
	opWrite opKind = iota
	opMkdir
	opRm
)

type op struct {
	kind  opKind
	path  string
	value []byte
}

// change is a committed modification, used to fire watches and to keep
// the backend in sync.
type change struct {
	path    string
	removed bool
	value   []byte
}

// transaction works on a private copy of the tree taken at its first
// operation. Commit replays its log onto the live tree.
type transaction struct {
	view *Tree
	log  []op
}

func newTransaction(base *Tree) *transaction {
	return &transaction{view: base.Clone()}
}

func (tx *transaction) apply(o op) error {
	var err error

	switch o.kind {
	case opWrite:
		err = tx.view.Write(o.path, o.value)
	case opMkdir:
		err = tx.view.Mkdir(o.path)
	case opRm:
		err = tx.view.Rm(o.path)
	}

	if err != nil {
		return err
	}

	tx.log = append(tx.log, o)

	return nil
}

// applyOp performs o on t and reports the resulting change.
func applyOp(t *Tree, o op) (change, error) {
	switch o.kind {
	case opWrite:
		if err := t.Write(o.path, o.value); err != nil {
			return change{}, err
		}

		return change{path: Canonical(o.path), value: o.value}, nil
	case opMkdir:
		if err := t.Mkdir(o.path); err != nil {
			return change{}, err
		}

		v, _ := t.Read(o.path)

		return change{path: Canonical(o.path), value: v}, nil
	default:
		if err := t.Rm(o.path); err != nil {
			return change{}, err
		}

		return change{path: Canonical(o.path), removed: true}, nil
	}
}

// commit replays the log on live. A removal of a node another writer
// already removed is not an error.
func (tx *transaction) commit(live *Tree) ([]change, error) {
	changes := make([]change, 0, len(tx.log))

	for _, o := range tx.log {
		c, err := applyOp(live, o)
		if o.kind == opRm && errors.Is(err, vbstore.ErrNotFound) {
			continue
		}

		if err != nil {
			return changes, err
		}

		changes = append(changes, c)
	}

	return changes, nil
}

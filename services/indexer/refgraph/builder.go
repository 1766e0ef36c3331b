// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refgraph turns decoded method events into reference edges
// between symbols.
package refgraph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/ilindex/services/indexer/cil"
	"github.com/AleutianAI/ilindex/services/indexer/metadata"
	"github.com/AleutianAI/ilindex/services/indexer/registry"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

var (
	// ErrNilRegistry is returned by NewBuilder when no registry is given.
	ErrNilRegistry = errors.New("registry must not be nil")

	// ErrNilRecorder is returned by NewBuilder when no recorder is given.
	ErrNilRecorder = errors.New("reference recorder must not be nil")
)

// asyncWorkerName is the method of an async state machine that carries
// the body of the async method.
const asyncWorkerName = "MoveNext"

// =============================================================================
// Collaborators
// =============================================================================

// Registry is the symbol registry the builder queries for target ids.
// *registry.Registry implements it.
type Registry interface {
	RegisterType(t *metadata.Type) (int, error)
	RegisterMethod(m *metadata.Method) (registry.Member, error)
	RegisterField(f *metadata.Field) (registry.Member, error)
	Implementors(iface *metadata.Type) []*metadata.Type
	IsLocal(t *metadata.Type) bool
}

// Recorder stores reference edges. *collector.Collector implements it.
type Recorder interface {
	CollectReference(sourceID, targetID int, kind store.ReferenceKind) (int, error)
}

// =============================================================================
// Builder
// =============================================================================

// BuilderOptions configures Builder behavior.
type BuilderOptions struct {
	// CollectAllInvocations registers the declaring type of every called
	// method, including types of foreign assemblies.
	// Default: false
	CollectAllInvocations bool
}

// DefaultBuilderOptions returns the defaults.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{}
}

// Builder emits the reference edges for events of one run.
//
// Thread Safety:
//
//	Not safe for concurrent use; it shares the run's registry.
type Builder struct {
	registry Registry
	recorder Recorder
	options  BuilderOptions
	logger   *slog.Logger
}

// NewBuilder creates a Builder.
//
// Inputs:
//
//	reg - Registry of the run.
//	rec - Where edges are recorded.
//	opts - Builder options.
//	logger - Logger, slog.Default() when nil.
//
// Outputs:
//
//	*Builder - The builder.
//	error - ErrNilRegistry or ErrNilRecorder.
func NewBuilder(reg Registry, rec Recorder, opts BuilderOptions, logger *slog.Logger) (*Builder, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}
	if rec == nil {
		return nil, ErrNilRecorder
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{registry: reg, recorder: rec, options: opts, logger: logger}, nil
}

// Visit dispatches ev to the matching visit method.
//
// Outputs:
//
//	[]registry.CollectedMethod - Methods to decode under the originating
//	  method's ids (async workers). Nil for most events.
//	error - Fail-fast errors from the registry or recorder.
func (b *Builder) Visit(origin registry.CollectedMethod, ev cil.Event) ([]registry.CollectedMethod, error) {
	switch ev.Kind {
	case cil.EventCall:
		unwrap, err := b.VisitCall(origin, ev.Method)
		if err != nil || unwrap == nil {
			return nil, err
		}
		return []registry.CollectedMethod{*unwrap}, nil
	case cil.EventField:
		return nil, b.VisitField(origin, ev.Field)
	case cil.EventType:
		return nil, b.VisitType(origin, ev.Type)
	case cil.EventMethodRef:
		return nil, b.VisitMethodRef(origin, ev.Method)
	}
	b.logger.Debug("unhandled event", slog.String("kind", ev.Kind.String()))
	return nil, nil
}

// targetClass returns the symbol id of the declaring type of called, or 0
// when foreign invocations are not collected.
func (b *Builder) targetClass(called *metadata.Method) (int, error) {
	decl := called.DeclaringType
	if decl == nil {
		return 0, nil
	}
	if !b.options.CollectAllInvocations && !b.registry.IsLocal(decl) {
		return 0, nil
	}
	return b.registry.RegisterType(decl)
}

// VisitCall records the edges of a call from origin to called.
//
// Description:
//
//	Parameter types of called get type-usage edges from the calling class
//	and method. When the declaring type of called has a symbol it gets a
//	type-usage pair and the called member gets a call edge, or a usage
//	edge for members that are not methods such as properties. Calls on an
//	interface also link every known implementor and the implementor's
//	matching method.
//
//	A call into the async state machine of the calling method does not
//	produce edges to the state machine. Instead the state machine's worker
//	is returned so it can be decoded as part of the calling method.
//
// Outputs:
//
//	*registry.CollectedMethod - The async worker to decode, or nil.
//	error - Fail-fast errors from the registry or recorder.
func (b *Builder) VisitCall(origin registry.CollectedMethod, called *metadata.Method) (*registry.CollectedMethod, error) {
	if called == nil {
		return nil, nil
	}
	targetID, err := b.targetClass(called)
	if err != nil {
		return nil, err
	}

	var unwrap *registry.CollectedMethod
	if targetID == 0 && origin.Method != nil && origin.Method.StateMachine != nil &&
		metadata.SameType(registry.Canonical(called.DeclaringType), registry.Canonical(origin.Method.StateMachine)) {
		if worker := registry.Canonical(origin.Method.StateMachine).Method(asyncWorkerName); worker != nil && worker.HasBody() {
			unwrap = &registry.CollectedMethod{Method: worker, MethodID: origin.MethodID, ClassID: origin.ClassID}
			b.logger.Debug("async worker queued",
				slog.String("method", origin.Method.Name),
				slog.String("state_machine", origin.Method.StateMachine.FullName()),
			)
		}
	}

	for _, p := range called.Parameters {
		paramID, err := b.registry.RegisterType(p.Type)
		if err != nil {
			return nil, err
		}
		if paramID > 0 && paramID != origin.ClassID {
			if err := b.typeUsage(origin, paramID); err != nil {
				return nil, err
			}
		}
	}

	if targetID == 0 {
		return unwrap, nil
	}
	if targetID != origin.ClassID {
		if err := b.typeUsage(origin, targetID); err != nil {
			return nil, err
		}
	}
	member, err := b.registry.RegisterMethod(called)
	if err != nil {
		return nil, err
	}
	if err := b.memberReference(origin, member); err != nil {
		return nil, err
	}

	if called.DeclaringType.IsInterface() {
		if err := b.implementors(origin, called); err != nil {
			return nil, err
		}
	}
	return unwrap, nil
}

// implementors links every known implementor of the interface declaring
// called, and the first implementor method with the same signature.
func (b *Builder) implementors(origin registry.CollectedMethod, called *metadata.Method) error {
	root := called.Root()
	for _, impl := range b.registry.Implementors(called.DeclaringType) {
		implID, err := b.registry.RegisterType(impl)
		if err != nil {
			return err
		}
		if implID <= 0 {
			continue
		}
		if err := b.typeUsage(origin, implID); err != nil {
			return err
		}
		for _, m := range impl.Methods {
			if m.Name != called.Name || !(m.SameParameters(called) || m.SameParameters(root)) {
				continue
			}
			member, err := b.registry.RegisterMethod(m)
			if err != nil {
				return err
			}
			if err := b.memberReference(origin, member); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// VisitField records the edges of a field access from origin.
func (b *Builder) VisitField(origin registry.CollectedMethod, field *metadata.Field) error {
	if field == nil {
		return nil
	}
	classID, err := b.registry.RegisterType(field.DeclaringType)
	if err != nil || classID <= 0 {
		return err
	}
	if classID != origin.ClassID {
		if err := b.typeUsage(origin, classID); err != nil {
			return err
		}
	}
	member, err := b.registry.RegisterField(field)
	if err != nil {
		return err
	}
	if member.ID > 0 {
		if err := b.reference(origin.MethodID, member.ID, store.ReferenceKindUsage); err != nil {
			return err
		}
	}
	valueID, err := b.registry.RegisterType(field.Type)
	if err != nil {
		return err
	}
	if valueID > 0 && valueID != origin.ClassID {
		return b.typeUsage(origin, valueID)
	}
	return nil
}

// VisitType records the type-usage edges of a type operand.
func (b *Builder) VisitType(origin registry.CollectedMethod, t *metadata.Type) error {
	id, err := b.registry.RegisterType(t)
	if err != nil {
		return err
	}
	if id > 0 && id != origin.ClassID {
		return b.typeUsage(origin, id)
	}
	return nil
}

// VisitMethodRef records the edges of a method reference (ldftn,
// ldvirtftn). Unlike calls, parameters and implementors are not linked.
func (b *Builder) VisitMethodRef(origin registry.CollectedMethod, target *metadata.Method) error {
	if target == nil {
		return nil
	}
	targetID, err := b.targetClass(target)
	if err != nil || targetID <= 0 {
		return err
	}
	if targetID != origin.ClassID {
		if err := b.typeUsage(origin, targetID); err != nil {
			return err
		}
	}
	member, err := b.registry.RegisterMethod(target)
	if err != nil {
		return err
	}
	if member.ID > 0 {
		return b.reference(origin.MethodID, member.ID, store.ReferenceKindUsage)
	}
	return nil
}

// =============================================================================
// Edge helpers
// =============================================================================

// typeUsage records the type-usage pair from the originating class and
// method to targetID.
func (b *Builder) typeUsage(origin registry.CollectedMethod, targetID int) error {
	if err := b.reference(origin.ClassID, targetID, store.ReferenceKindTypeUsage); err != nil {
		return err
	}
	return b.reference(origin.MethodID, targetID, store.ReferenceKindTypeUsage)
}

func (b *Builder) memberReference(origin registry.CollectedMethod, member registry.Member) error {
	if member.ID <= 0 {
		return nil
	}
	kind := store.ReferenceKindUsage
	if member.IsMethod() {
		kind = store.ReferenceKindCall
	}
	return b.reference(origin.MethodID, member.ID, kind)
}

func (b *Builder) reference(sourceID, targetID int, kind store.ReferenceKind) error {
	if _, err := b.recorder.CollectReference(sourceID, targetID, kind); err != nil {
		return fmt.Errorf("recording %s reference %d -> %d: %w", kind, sourceID, targetID, err)
	}
	return nil
}

package core

import "context"

// Hooks intercepts engine operations. Nil fields are skipped. An error
// from a Before hook aborts the operation before it touches the
// database; an error from an After hook aborts delivery of the result.
// Hooks run in registration order.
type Hooks struct {
	BeforeFind   func(c context.Context, req *Request) error
	AfterFind    func(c context.Context, res *Result) error
	BeforeInsert func(c context.Context, table string, values map[string]any) error
	AfterInsert  func(c context.Context, table string, row Record) error
	BeforeUpdate func(c context.Context, table string, id any, values map[string]any) error
	AfterUpdate  func(c context.Context, table string, row Record) error
	BeforeDelete func(c context.Context, table string, id any) error
	AfterDelete  func(c context.Context, table string, row Record) error
}

func (e *engine) runBeforeFind(c context.Context, req *Request) error {
	for _, h := range e.hooks {
		if h.BeforeFind == nil {
			continue
		}
		if err := h.BeforeFind(c, req); err != nil {
			return wrapErr(err, req.TableName, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runAfterFind(c context.Context, table string, res *Result) error {
	for _, h := range e.hooks {
		if h.AfterFind == nil {
			continue
		}
		if err := h.AfterFind(c, res); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runBeforeInsert(c context.Context, table string, values map[string]any) error {
	for _, h := range e.hooks {
		if h.BeforeInsert == nil {
			continue
		}
		if err := h.BeforeInsert(c, table, values); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runAfterInsert(c context.Context, table string, row Record) error {
	for _, h := range e.hooks {
		if h.AfterInsert == nil {
			continue
		}
		if err := h.AfterInsert(c, table, row); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runBeforeUpdate(c context.Context, table string, id any, values map[string]any) error {
	for _, h := range e.hooks {
		if h.BeforeUpdate == nil {
			continue
		}
		if err := h.BeforeUpdate(c, table, id, values); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runAfterUpdate(c context.Context, table string, row Record) error {
	for _, h := range e.hooks {
		if h.AfterUpdate == nil {
			continue
		}
		if err := h.AfterUpdate(c, table, row); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runBeforeDelete(c context.Context, table string, id any) error {
	for _, h := range e.hooks {
		if h.BeforeDelete == nil {
			continue
		}
		if err := h.BeforeDelete(c, table, id); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

func (e *engine) runAfterDelete(c context.Context, table string, row Record) error {
	for _, h := range e.hooks {
		if h.AfterDelete == nil {
			continue
		}
		if err := h.AfterDelete(c, table, row); err != nil {
			return wrapErr(err, table, ErrInternal)
		}
	}
	return nil
}

// Package cleanstack runs deferred cleanup tasks in reverse order of
// registration.
//
// Typical use:
//
//	cleanup := cleanstack.NewCleanStack()
//	defer func() { err = cleanup.Cleanup(err) }()
package cleanstack

import "errors"

type task struct {
	fn        func() error
	errorOnly bool
}

type CleanStack struct {
	tasks []task
}

func NewCleanStack() *CleanStack {
	return &CleanStack{}
}

// Push registers fn to run on every Cleanup.
func (c *CleanStack) Push(fn func() error) {
	c.tasks = append(c.tasks, task{fn: fn})
}

// PushErrorOnly registers fn to run only when Cleanup receives an error.
func (c *CleanStack) PushErrorOnly(fn func() error) {
	c.tasks = append(c.tasks, task{fn: fn, errorOnly: true})
}

// Cleanup runs all pending tasks, last in first out, and returns err joined
// with every task failure. Every task runs even if an earlier one fails.
func (c *CleanStack) Cleanup(err error) error {
	failed := err != nil
	errs := []error{err}
	for len(c.tasks) > 0 {
		t := c.tasks[len(c.tasks)-1]
		c.tasks = c.tasks[:len(c.tasks)-1]
		if t.errorOnly && !failed {
			continue
		}
		errs = append(errs, t.fn())
	}
	return errors.Join(errs...)
}

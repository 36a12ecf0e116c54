// Package session manages chat sessions backed by remote agent runs.
//
// A Registry owns every session and serializes all writes to them. Each
// session has a Controller that starts runs, folds their event streams into
// the transcript through the reconcile package, and stops, pauses or resumes
// them. Runs are cancelled per run: a token created by Start guards every
// write the run makes, so a stopped or superseded run can never touch the
// session again.
package session

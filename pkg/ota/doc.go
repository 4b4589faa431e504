// Package ota holds the vocabulary shared by the update agent and its
// collaborators: lifecycle states and their phase groups, callback reasons and
// results, connection kinds, error codes, and the immutable snapshot handed to
// the host application.
package ota

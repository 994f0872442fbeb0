// Package coretools registers the built-in workspace tools: file reading and
// editing, search, shell commands, the react scratchpad and plan
// presentation.
//
// Every path argument is resolved against the working directory of the
// execution context (or Options.WorkspaceRoot) and must stay inside it.
// Search and listing tools skip entries matched by the workspace .gitignore.
package coretools

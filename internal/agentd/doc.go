// Package agentd implements the agent process: parallel classifiers decide
// whether recent conversation contains a task for the MCP tool backend, the
// desktop-automation backend or a user plugin, and at most one backend
// executes per round. An HTTP surface lets the main process submit requests,
// poll task state and toggle backends.
package agentd

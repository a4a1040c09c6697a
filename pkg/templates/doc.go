// Package templates renders named system prompts from text/template files and
// reloads them when the directory changes.
package templates

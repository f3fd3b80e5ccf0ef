// Package rebind implements the answer selection policies of the rebinding responder. Each Mode
// maps to one Selector, chosen once at startup and shared by every request handler. Stateful
// selectors own the request counter and the mutex that guards it, so a counter value is consumed
// by exactly one request.
package rebind

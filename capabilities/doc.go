// Package capabilities negotiates which handlers a connection uses.
//
// During initialize the Provider looks up, for every descriptor, the client
// capability that gates its method. The client's answer is a Supports value:
// false, absent or null drop the descriptor; an object declaring
// dynamicRegistration defers it to client/registerCapability; anything else
// advertises it statically. Static contributions to the same server
// capability are combined by a Combiner registered for that key.
package capabilities

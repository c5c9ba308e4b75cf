// Package match decides which registered handlers service an inbound message.
//
// A Resolver consults a chain of Matchers. Each matcher inspects the raw
// payload; the first one that applies narrows the candidates. Requests are
// routed to the single most specific survivor, notifications to all of them.
package match

// Package protocol implements the NICOS cache line protocol.
//
// The protocol is line based, lines are terminated by LF or CRLF.
// Requests and responses share the same syntax:
//
//	[time1] [+|-] [time2] [@] key op [value] newline
//
// The op is a single character and selects the operation:
//
//	=  tell: set key to value. Without value the key is deleted.
//	   time1 is the timestamp of the value, time2 the TTL in seconds.
//	   time1-time2@ is also accepted, the TTL is time2-time1 then.
//	?  ask: query a single key. With @ the timestamp is returned.
//	   time1+interval@ or time1-time2@ makes a history query.
//	*  wildcard: all keys containing key as substring.
//	:  subscribe: updates of all keys containing key as substring
//	   are pushed to the client, timestamped if @ is present.
//	!  tell old: used in replies for expired or missing values.
//	$  lock: value is +clientid (lock) or -clientid (unlock).
//	   Reply is key$ on success or key$otherclient if denied.
//	~  rewrite: store keys with prefix value also under prefix key.
//
// A key ending with # is not written to persistent storage.
//
// An empty line asks the server to close the connection. Any line not
// matching the grammar is a protocol violation and the connection is closed.
package protocol

// Package feed carries the builder's inbound events as JSON lines.
//
// Each line holds one event:
//
//	{"type":"running_xacts","lsn":"0/A","xmin":100,"xmax":100,"xids":[]}
//	{"type":"commit","lsn":"0/14","xid":150,"subxids":[151],"catalog_changed":false}
//	{"type":"new_cid","lsn":"0/18","xid":152,"top_xid":150,"cmin":0,"cmax":1}
//	{"type":"serialization_point","lsn":"0/20"}
//
// Blank lines and lines starting with '#' are ignored. Events must appear in
// log order; the builder rejects a feed that goes backwards.
package feed

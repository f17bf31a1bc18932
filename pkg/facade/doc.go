/*
Package facade defines the client-facing wire surface as thin Go
interfaces only — KVServer, WatchServer, LeaseServer, ClusterServer —
mirroring etcd's four RPC services without any gRPC transport or
protobuf generation behind them. It exists as an external-collaborator
seam: a production dkvstore would adapt these interfaces onto gRPC
codegen, but no implementation is required here.
*/
package facade

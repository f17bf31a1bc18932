/*
Package client dials a peer's gRPC address over mutual TLS and returns
a typed pkg/api.PeerClient stub, for use by pkg/peersync's outbound
connections.

	conn, err := client.Dial("10.0.0.5:2481", certDir)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Client.Hello(ctx, &api.HelloRequest{From: self})

# See Also

  - pkg/api - the PeerServer/PeerClient envelope and transport types
  - pkg/peersync - the engine that owns PeerConn lifecycles per peer
*/
package client

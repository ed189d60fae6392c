package db

type Peer struct {
	ID          int64
	SessionID   string
	PublicKey   string
	Addr        string
	ConnectedAt int64
}

type Swarm struct {
	PeerID      int64
	Topic       string
	AnnouncedAt int64
}

package database

import "time"

// Cluster holds the credentials needed to reach one Kubernetes API server.
// Kubeconfig is fernet-encrypted at rest.
type Cluster struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null" json:"name"`
	Kubeconfig string    `gorm:"type:text" json:"-"`
	Context    string    `json:"context"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Connection is one saved database connection. When the forwarding target
// fields are set the connection lives inside a cluster and is reached
// through a tunnel; the forwarding state fields mirror the live tunnel.
// ClusterID selects stored credentials; nil means ambient credentials.
type Connection struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"not null" json:"name"`
	Type     string `gorm:"not null;default:mysql" json:"type"` // mysql, postgres, redis
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"` // fernet-encrypted
	DBName   string `json:"db_name"`

	// Cluster-forwarding target.
	ClusterID   *uint  `gorm:"index" json:"cluster_id"`
	Namespace   string `json:"namespace"`
	ServiceName string `json:"service_name"`
	RemotePort  int    `json:"remote_port"`

	// Mirrored tunnel state, written by the binding resolver and the
	// monitor propagation hook. Empty while no tunnel exists.
	TunnelID     string `gorm:"index" json:"tunnel_id"`
	LocalPort    int    `json:"local_port"`
	TunnelStatus string `json:"tunnel_status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UsesTunnel reports whether this connection must be reached through a
// cluster tunnel rather than dialed directly.
func (c *Connection) UsesTunnel() bool {
	return c.Namespace != "" && c.ServiceName != "" && c.RemotePort > 0
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package registry

import "fmt"

// keys derives every registry key name from a configured namespace prefix.
type keys struct {
	ns string
}

func (k keys) gh() string { return k.ns + ":gh" }
func (k keys) wh() string { return k.ns + ":wh" }
func (k keys) bh() string { return k.ns + ":bh" }
func (k keys) rz() string { return k.ns + ":rz" }

func (k keys) cz(cluster string) string { return fmt.Sprintf("%s:cz:%s", k.ns, cluster) }
func (k keys) bz(cluster string) string { return fmt.Sprintf("%s:bz:%s", k.ns, cluster) }
func (k keys) wz(brokerID string) string { return fmt.Sprintf("%s:wz:%s", k.ns, brokerID) }

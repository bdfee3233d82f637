package topology

// SegmentSpec declares a network segment
type SegmentSpec struct {
	Name string `yaml:"name"`
	CIDR string `yaml:"cidr"`
	// StartOffset is the index of the first address handed out to
	// interfaces without an explicit address. Zero means the default
	StartOffset int `yaml:"start_offset"`
	// GatewayOffset is the index of the gateway. Zero means the default
	GatewayOffset int `yaml:"gateway_offset"`
}

// InterfaceSpec attaches a node to a segment
type InterfaceSpec struct {
	Segment string `yaml:"segment"`
	// Name of the interface, defaults to <node>-eth<index>
	Name string `yaml:"name"`
	// Address is an optional explicit address. The literal "gateway"
	// assigns the segment gateway
	Address string `yaml:"address"`
	// HardwareAddr is an optional explicit mac address
	HardwareAddr string `yaml:"hwaddr"`
}

// RouteSpec is a static route of a node
type RouteSpec struct {
	// To is a CIDR or "default"
	To string `yaml:"to"`
	// Via is an explicit next hop address
	Via string `yaml:"via"`
	// ViaGateway uses the gateway of the named segment as next hop
	ViaGateway string `yaml:"via_gateway"`
	// ViaNode uses the address of the named node on a segment shared
	// with this node as next hop
	ViaNode string `yaml:"via_node"`
	// Dev is the output interface, inferred from the next hop if not set
	Dev string `yaml:"dev"`
}

// NodeSpec declares a node (host or multi-homed router)
type NodeSpec struct {
	Name string `yaml:"name"`
	// Namespace is the network namespace holding the node, defaults to the node name
	Namespace string          `yaml:"namespace"`
	Links     []InterfaceSpec `yaml:"links"`
	Routes    []RouteSpec     `yaml:"routes"`
	// RPFilter maps an interface name (or "all") to an rp_filter mode
	RPFilter map[string]string `yaml:"rp_filter"`
}

// LinkSpec is a point to point link between two nodes over a segment.
// Both nodes get a new interface on the segment
type LinkSpec struct {
	A        string `yaml:"a"`
	B        string `yaml:"b"`
	Segment  string `yaml:"segment"`
	AddressA string `yaml:"address_a"`
	AddressB string `yaml:"address_b"`
}

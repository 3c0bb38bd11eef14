/*
Package systopics implements SystemTopics: $SYS lifecycle notifications
published on client connect, disconnect, subscribe and unsubscribe.

	bus := systopics.NewBus()
	bus.Start()
	pub := systopics.NewPublisher(nodeID, sender, bus)
	pub.Track(systopics.ClientInfo{ClientID: id, Username: user, IP: ip, Protocol: "mqtt5"})
	pub.PublishConnected(id) // session.Runtime calls this via session.EventPublisher

Publisher satisfies session.EventPublisher directly. The optional Bus
additionally fans events out in-process, for listeners (metrics, audit
logging) that shouldn't have to subscribe over MQTT to see them.
*/
package systopics

// Package discovery provides a lightweight UDP multicast-based service
// discovery mechanism and a tracker of the peers it finds.
//
// A node announces itself and feeds what it hears to a Tracker:
//
//	d := &discovery.Discover{
//		Info:                         discovery.Announcement{ID: id, Address: addr}.Encode(),
//		Port:                         53552,
//		IntervalBetweenAnnouncements: time.Second,
//	}
//	if err := d.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	tracker := &discovery.Tracker{Self: id, TTL: 10 * time.Second, OnJoin: join, OnExpire: leave}
//	go tracker.Run(ctx, d.Entries)
//
// Behavior:
//   - Announcements are sent via UDP multicast to 239.0.0.1 on the specified port.
//   - Each instance uses a random 8-byte key to identify its own packets and filter them out.
//   - Discovered entries are delivered on the Entries channel.
//   - The tracker forgets peers it has not heard from for TTL.
package discovery

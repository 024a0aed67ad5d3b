// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy decides the fate of every packet flowing between a game
// client and its game server.
//
// # Packet flow
//
//	transport ──► Handle ──► manipulators (in order, synchronous)
//	                │
//	                ▼
//	          outgoing bodies ──► pending queue ──► peer writer
//	                │
//	                ▼
//	          notification pipeline ──► OnForwarded / OnPacket (ordered, async)
//
// A transport opens a Session when a client connects and reports every
// framed packet body through Proxy.Handle. The server side of the session
// stays Connecting until the transport calls Session.Connected; packets for
// it wait in the pending queue and are written in arrival order once it is
// active.
//
// Manipulators see each packet before any byte of it is forwarded. They may
// demand it be sent, sent unmodified or lost, rewrite its body, or append
// additional packets. Conflicting demands are reported to the manipulator
// that caused them and do not abort the packet.
//
// Listeners and the asynchronous half of manipulators are notified on a
// single executor per session, so notifications for one session arrive in
// forwarding order while slow observers of one session never delay another.
//
// # Usage
//
//	p := proxy.New(proxy.Config{
//		Registry:     reg,
//		Manipulators: []handler.Manipulator{guard},
//		Listeners:    []handler.Listener{hub},
//		Detector:     proxy.RevisionDetector{Service: protocol.Game, Opcode: []byte{0x0E}},
//	})
//	go p.Run(ctx)
//	defer p.Shutdown(context.Background())
//
//	srv := tcp.New(tcp.Config{Address: ":7777", TargetAddress: "game:7777"}, p)
//	if err := srv.Listen(ctx); err != nil {
//		return err
//	}
package proxy

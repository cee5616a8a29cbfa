/*
Package harness drives test scenarios against the server under test.

A Setup owns the server process, a fixed number of client connections and
the state oracle. Every operation issued through a Client is mirrored into
the oracle, and the server's dump is reconciled against it when the setup is
closed:

	err := harness.Run(ctx, cfg, proc, 3, func(ctx context.Context, s *harness.Setup) error {
		if _, err := s.Client(0).Set("foo", []byte("bar"), false); err != nil {
			return err
		}
		return s.Verify(ctx)
	})

Stress runs multiple workers concurrently, each on its own connection with a
private view of the oracle. The views are merged afterwards and the oracle
stays in concurrent mode for the rest of the setup.
*/
package harness

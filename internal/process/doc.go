// Package process supervises helper daemons that device drivers depend on,
// such as hamlib's rigctld and rotctld.
//
// A Manager starts the daemon in its own process group, logs its output,
// restarts it with exponential backoff when it dies and kills it when its
// health check keeps failing.
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "rig-1",
//	    Binary:           "/usr/bin/rigctld",
//	    Args:             []string{"-m", "3073", "-r", "/dev/ttyUSB0", "-t", "4532"},
//	    RestartOnFailure: true,
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process

//go:build pam

// Command pam_escalate is the PAM module. Build it as a shared object:
//
//	go build -tags pam -buildmode=c-shared -o pam_escalate.so ./cmd/pam_escalate
//
// and reference it from a PAM service file, for example
//
//	auth required pam_escalate.so add_env=DISPLAY,XAUTHORITY
package main

/*
#cgo LDFLAGS: -lpam
#include <security/pam_appl.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"unsafe"

	"github.com/zylisp/escalate"
	"github.com/zylisp/escalate/config"
	"github.com/zylisp/escalate/pam"
)

func main() {}

//export pam_sm_authenticate
func pam_sm_authenticate(pamh *C.pam_handle_t, flags C.int, argc C.int, argv **C.char) C.int {
	logger, closer := newLogger(dialSyslog)
	defer closer.Close()

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		logger.Error("load config", "err", err)
		return C.int(pam.SystemErr)
	}
	logger.SetLevel(cfg.Level())

	status := escalate.Authenticate(context.Background(), &handle{pamh: pamh}, goArgs(argc, argv),
		escalate.WithConfig(cfg),
		escalate.WithLogger(logger),
	)
	return C.int(status)
}

//export pam_sm_setcred
func pam_sm_setcred(pamh *C.pam_handle_t, flags C.int, argc C.int, argv **C.char) C.int {
	return C.int(pam.Success)
}

func goArgs(argc C.int, argv **C.char) []string {
	if argc <= 0 || argv == nil {
		return nil
	}
	ptrs := unsafe.Slice(argv, int(argc))
	args := make([]string, 0, len(ptrs))
	for _, p := range ptrs {
		args = append(args, C.GoString(p))
	}
	return args
}

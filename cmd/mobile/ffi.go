// Package main builds the FormSync engine as a C shared library for the
// iOS and Android shells (go build -buildmode=c-shared).
//
// Every export that returns *C.char hands ownership to the caller, who must
// release it with FreeString. Failures return NULL or -1; the message is
// available from GetLastError.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/kimhsiao/formsync/internal/app"
)

//export Init
func Init(dataDir *C.char) C.int {
	if err := core.open(C.GoString(dataDir), app.Options{}); err != nil {
		return -1
	}
	return 0
}

//export Cleanup
func Cleanup() {
	core.cleanup()
}

//export Submit
func Submit(payload *C.char) *C.char {
	return toC(core.submit(C.GoString(payload)))
}

//export List
func List() *C.char {
	return toC(core.list())
}

//export Status
func Status() *C.char {
	return toC(core.status())
}

//export SyncNow
func SyncNow() *C.char {
	return toC(core.syncNow())
}

//export GetLastError
func GetLastError() *C.char {
	msg := core.lastError()
	if msg == "" {
		return nil
	}
	return C.CString(msg)
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func toC(s string, err error) *C.char {
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func main() {}

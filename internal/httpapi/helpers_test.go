package httpapi

import logx "meshrelay/pkg/logx"

var zeroLog = logx.Nop()

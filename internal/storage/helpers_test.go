package storage

import logx "meshrelay/pkg/logx"

var zeroLogger = logx.Nop()

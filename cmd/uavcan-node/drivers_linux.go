package main

import _ "github.com/samsamfire/gouavcan/pkg/can/socketcanv2"

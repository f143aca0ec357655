package main

import "errors"

// Serve errors
var (
	ErrReadRules   = errors.New("read rules file")
	ErrParseRules  = errors.New("parse rules file")
	ErrApplyRules  = errors.New("apply rules")
	ErrCreateProxy = errors.New("create proxy")
	ErrCloseProxy  = errors.New("close proxy")
)

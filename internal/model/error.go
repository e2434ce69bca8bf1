package model

import "errors"

var ErrorMissingToken = errors.New("missing access token")
var ErrorInvalidToken = errors.New("invalid access token")
var ErrorChatNotFound = errors.New("chat not found")
var ErrorMessageNotFound = errors.New("message not found")
var ErrorNotParticipant = errors.New("not a participant of this chat")
var ErrorNotAdmin = errors.New("only group admins can update the group")
var ErrorNotSender = errors.New("only the sender can change this message")
var ErrorNotGroup = errors.New("can only update group chats")
var ErrorLastAdmin = errors.New("group must keep at least one admin")
var ErrorSelfDM = errors.New("cannot create dm with yourself")
var ErrorInvalidGroup = errors.New("group name and participants are required")
var ErrorEmptyMessage = errors.New("message must have text, image or file")
var ErrorEmptyEmoji = errors.New("emoji is required")
var ErrorDuplicateMessage = errors.New("message already stored")
var ErrorDuplicateChat = errors.New("chat already exists")
var ErrorSessionNotActive = errors.New("session is not active")
var ErrorUnknownEvent = errors.New("unknown event")
var ErrorNoSubscriber = errors.New("no instance is subscribed")
